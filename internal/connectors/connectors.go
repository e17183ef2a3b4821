package connectors

import (
	"context"

	"cagescan/internal"
)

// MailboxConnector pulls unread messages from the mailbox carriers send
// their manifests to.
type MailboxConnector interface {
	FetchManifests(ctx context.Context, label string, max int) ([]internal.FetchedManifestMessage, error)
}
