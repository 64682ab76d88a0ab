// Package gmail wraps the Gmail API operations the merge runner
// consumes: sending, drafting, labeling and metadata lookup.
package gmail

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/mailmerge/mailmerge/internal/config"
)

var scopes = []string{
	gmailapi.GmailSendScope,
	gmailapi.GmailModifyScope,
	gmailapi.GmailLabelsScope,
	gmailapi.GmailComposeScope,
}

// Outgoing is a single message to send or draft.
type Outgoing struct {
	To        string
	Subject   string
	HTMLBody  string
	ThreadID  string // provider thread to reply onto, empty for a new message
	InReplyTo string // RFC Message-ID of the prior message, empty for a new message
}

// SendResult carries the provider identifiers returned for a sent message.
type SendResult struct {
	ID       string
	ThreadID string
}

// Client implements the mail provider operations using the Gmail API.
type Client struct {
	svc           *gmailapi.Service
	senderAddress string
	senderName    string
}

// NewClient creates a Client from configuration. Service account
// credentials with domain-wide delegation take precedence; otherwise
// OAuth2 client credentials plus a refresh token are used.
func NewClient(ctx context.Context, cfg config.GmailConfig) (*Client, error) {
	if cfg.SenderAddress == "" {
		return nil, fmt.Errorf("gmail: sender address is required")
	}
	if cfg.CredentialsJSON != "" {
		return newServiceAccountClient(ctx, cfg)
	}
	if cfg.ClientID != "" && cfg.ClientSecret != "" && cfg.RefreshToken != "" {
		return newTokenClient(ctx, cfg)
	}
	return nil, fmt.Errorf("gmail: either credentials JSON or client id/secret/refresh token are required")
}

// newServiceAccountClient builds a client from service account
// credentials JSON with domain-wide delegation, impersonating the
// sender mailbox.
func newServiceAccountClient(ctx context.Context, cfg config.GmailConfig) (*Client, error) {
	jwtConfig, err := google.JWTConfigFromJSON([]byte(cfg.CredentialsJSON), scopes...)
	if err != nil {
		return nil, fmt.Errorf("gmail: failed to parse credentials: %w", err)
	}
	jwtConfig.Subject = cfg.SenderAddress

	svc, err := gmailapi.NewService(ctx, option.WithHTTPClient(jwtConfig.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("gmail: failed to create service: %w", err)
	}
	return &Client{svc: svc, senderAddress: cfg.SenderAddress, senderName: cfg.SenderName}, nil
}

// newTokenClient builds a client from OAuth2 client credentials and a
// refresh token. This is the path for personal Gmail accounts without
// domain-wide delegation.
func newTokenClient(ctx context.Context, cfg config.GmailConfig) (*Client, error) {
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       scopes,
	}
	token := &oauth2.Token{RefreshToken: cfg.RefreshToken}

	svc, err := gmailapi.NewService(ctx, option.WithHTTPClient(oauthCfg.Client(ctx, token)))
	if err != nil {
		return nil, fmt.Errorf("gmail: failed to create service: %w", err)
	}
	return &Client{svc: svc, senderAddress: cfg.SenderAddress, senderName: cfg.SenderName}, nil
}

func (c *Client) from() string {
	if c.senderName != "" {
		return fmt.Sprintf("%s <%s>", c.senderName, c.senderAddress)
	}
	return c.senderAddress
}

// Send sends a message. A non-empty ThreadID attaches the message to
// the existing conversation.
func (c *Client) Send(ctx context.Context, msg Outgoing) (SendResult, error) {
	raw, err := buildHTMLMessage(c.from(), msg)
	if err != nil {
		return SendResult{}, err
	}
	gm := &gmailapi.Message{Raw: encodeMessage(raw)}
	if msg.ThreadID != "" {
		gm.ThreadId = msg.ThreadID
	}
	sent, err := c.svc.Users.Messages.Send("me", gm).Context(ctx).Do()
	if err != nil {
		return SendResult{}, fmt.Errorf("gmail: failed to send message: %w", err)
	}
	return SendResult{ID: sent.Id, ThreadID: sent.ThreadId}, nil
}

// CreateDraft stores the message as a draft without sending it.
func (c *Client) CreateDraft(ctx context.Context, msg Outgoing) error {
	raw, err := buildHTMLMessage(c.from(), msg)
	if err != nil {
		return err
	}
	draft := &gmailapi.Draft{
		Message: &gmailapi.Message{Raw: encodeMessage(raw)},
	}
	if _, err := c.svc.Users.Drafts.Create("me", draft).Context(ctx).Do(); err != nil {
		return fmt.Errorf("gmail: failed to create draft: %w", err)
	}
	return nil
}

// MessageIDHeader fetches the canonical Message-ID header of a sent
// message. Gmail populates it asynchronously, so an empty value with a
// nil error means "not there yet"; callers poll.
func (c *Client) MessageIDHeader(ctx context.Context, id string) (string, error) {
	detail, err := c.svc.Users.Messages.Get("me", id).
		Format("metadata").
		MetadataHeaders("Message-ID").
		Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("gmail: failed to get message metadata: %w", err)
	}
	if detail.Payload == nil {
		return "", nil
	}
	for _, h := range detail.Payload.Headers {
		if strings.EqualFold(h.Name, "Message-ID") {
			return h.Value, nil
		}
	}
	return "", nil
}

// EnsureLabel returns the id of the named label, creating it when the
// mailbox does not have it yet. Name matching is case-insensitive,
// matching Gmail's own uniqueness rule.
func (c *Client) EnsureLabel(ctx context.Context, name string) (string, error) {
	list, err := c.svc.Users.Labels.List("me").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("gmail: failed to list labels: %w", err)
	}
	for _, label := range list.Labels {
		if strings.EqualFold(label.Name, name) {
			return label.Id, nil
		}
	}
	created, err := c.svc.Users.Labels.Create("me", &gmailapi.Label{
		Name:                  name,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("gmail: failed to create label: %w", err)
	}
	return created.Id, nil
}

// AddLabel applies a label to a set of messages in one batched call.
func (c *Client) AddLabel(ctx context.Context, messageIDs []string, labelID string) error {
	req := &gmailapi.BatchModifyMessagesRequest{
		Ids:         messageIDs,
		AddLabelIds: []string{labelID},
	}
	if err := c.svc.Users.Messages.BatchModify("me", req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("gmail: failed to apply label: %w", err)
	}
	return nil
}

// Profile returns the authenticated mailbox address.
func (c *Client) Profile(ctx context.Context) (string, error) {
	profile, err := c.svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("gmail: failed to get profile: %w", err)
	}
	return profile.EmailAddress, nil
}

// SendFileToSelf emails a file to the authenticated mailbox. Used for
// the end-of-run backup of the updated recipient table.
func (c *Client) SendFileToSelf(ctx context.Context, subject, body, path string) error {
	self, err := c.Profile(ctx)
	if err != nil {
		return err
	}
	raw, err := buildAttachmentMessage(self, self, subject, body, path)
	if err != nil {
		return err
	}
	gm := &gmailapi.Message{Raw: raw}
	if _, err := c.svc.Users.Messages.Send("me", gm).Context(ctx).Do(); err != nil {
		return fmt.Errorf("gmail: failed to send backup email: %w", err)
	}
	return nil
}
