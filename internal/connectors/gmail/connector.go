package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"cagescan/internal"
	"cagescan/internal/config"
)

type Connector struct {
	service *gmail.Service
	query   string
}

func NewConnector(cfg config.Config) (*Connector, error) {
	if err := cfg.Require("GMAIL_CLIENT_ID", cfg.GmailClientID); err != nil {
		return nil, err
	}
	if err := cfg.Require("GMAIL_CLIENT_SECRET", cfg.GmailClientSecret); err != nil {
		return nil, err
	}
	if err := cfg.Require("GMAIL_REFRESH_TOKEN", cfg.GmailRefreshToken); err != nil {
		return nil, err
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.GmailClientID,
		ClientSecret: cfg.GmailClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.GmailRedirectURI,
		Scopes:       []string{gmail.GmailReadonlyScope},
	}

	tokenSource := oauthCfg.TokenSource(context.Background(), &oauth2.Token{RefreshToken: cfg.GmailRefreshToken})
	svc, err := gmail.NewService(context.Background(), option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, err
	}

	return &Connector{service: svc, query: senderQuery(cfg.ManifestSenders)}, nil
}

const provider = "gmail"

// FetchManifests lists the newest max messages under label from the
// configured senders and downloads each in raw RFC 822 form.
func (c *Connector) FetchManifests(ctx context.Context, label string, max int) ([]internal.FetchedManifestMessage, error) {
	if label == "" {
		label = "INBOX"
	}
	if max <= 0 {
		max = 20
	}
	call := c.service.Users.Messages.List("me").LabelIds(label).MaxResults(int64(max))
	if c.query != "" {
		call = call.Q(c.query)
	}
	listResp, err := call.Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", label, err)
	}

	out := make([]internal.FetchedManifestMessage, 0, len(listResp.Messages))
	for _, ref := range listResp.Messages {
		if ref.Id == "" {
			continue
		}
		msg, err := c.service.Users.Messages.Get("me", ref.Id).Format("raw").Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", ref.Id, err)
		}
		if msg.Raw == "" {
			continue
		}
		raw, err := decodeBase64URL(msg.Raw)
		if err != nil {
			return nil, err
		}
		fetched, err := toManifestMessage(ref.Id, msg.InternalDate, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, fetched)
	}
	return out, nil
}

// toManifestMessage reads the headers out of the raw message. Gmail's
// internal date stands in when the Date header is missing or unparseable.
func toManifestMessage(gmailID string, internalDateMs int64, raw []byte) (internal.FetchedManifestMessage, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return internal.FetchedManifestMessage{}, fmt.Errorf("parse message %s: %w", gmailID, err)
	}

	received := time.UnixMilli(internalDateMs).UTC()
	if t, err := mail.ParseDate(env.GetHeader("Date")); err == nil {
		received = t.UTC()
	}
	messageID := strings.TrimSpace(env.GetHeader("Message-Id"))
	if messageID == "" {
		messageID = gmailID
	}

	return internal.FetchedManifestMessage{
		Provider:   provider,
		MessageID:  messageID,
		Subject:    env.GetHeader("Subject"),
		From:       env.GetHeader("From"),
		ReceivedAt: received.Format(time.RFC3339),
		Raw:        raw,
	}, nil
}

// senderQuery builds a Gmail search restricting results to the allowlist.
func senderQuery(senders []string) string {
	if len(senders) == 0 {
		return ""
	}
	terms := make([]string, 0, len(senders))
	for _, s := range senders {
		terms = append(terms, strings.TrimPrefix(s, "@"))
	}
	return "from:(" + strings.Join(terms, " OR ") + ")"
}

func decodeBase64URL(input string) ([]byte, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(input)
	if err == nil {
		return decoded, nil
	}
	decoded, err = base64.URLEncoding.DecodeString(input)
	if err == nil {
		return decoded, nil
	}
	return nil, fmt.Errorf("decode gmail raw payload: %w", err)
}
