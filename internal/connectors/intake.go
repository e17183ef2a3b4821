package connectors

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/mail"
	"os"
	"path/filepath"
	"strings"

	"cagescan/internal"
	"cagescan/internal/config"
	"cagescan/internal/manifest"
	"cagescan/internal/storage"
)

// FetchService pulls messages from a mailbox, drops senders outside the
// allowlist, and registers the rest. Messages the detector does not score as
// a manifest are stored as skipped so the importer never picks them up.
type FetchService struct {
	db         *storage.DB
	connector  MailboxConnector
	rawMailDir string
	senders    []string
}

type FetchResult struct {
	Fetched   int
	Ignored   int
	Stored    int
	Manifests int
}

func NewFetchService(db *storage.DB, cfg config.Config, connector MailboxConnector) *FetchService {
	return &FetchService{
		db:         db,
		connector:  connector,
		rawMailDir: cfg.RawMailDir,
		senders:    cfg.ManifestSenders,
	}
}

func (s *FetchService) FetchAndStore(ctx context.Context, label string, max int) (FetchResult, error) {
	messages, err := s.connector.FetchManifests(ctx, label, max)
	if err != nil {
		return FetchResult{}, err
	}

	res := FetchResult{Fetched: len(messages)}
	for _, msg := range messages {
		if !AllowedSender(msg.From, s.senders) {
			res.Ignored++
			continue
		}
		row, err := s.store(msg)
		if err != nil {
			return res, err
		}
		res.Stored++
		if row.Status == manifest.StatusFetched {
			res.Manifests++
		}
	}
	return res, nil
}

// store keeps the raw message on disk addressed by content hash, scores it,
// and tags the row with the carrier or cage reference when one is found.
func (s *FetchService) store(msg internal.FetchedManifestMessage) (internal.ManifestRow, error) {
	sum := sha256.Sum256(msg.Raw)
	hash := hex.EncodeToString(sum[:])

	if err := os.MkdirAll(s.rawMailDir, 0o755); err != nil {
		return internal.ManifestRow{}, err
	}
	rawPath := filepath.Join(s.rawMailDir, hash+".eml")
	if _, err := os.Stat(rawPath); os.IsNotExist(err) {
		if err := os.WriteFile(rawPath, msg.Raw, 0o644); err != nil {
			return internal.ManifestRow{}, err
		}
	}

	status := manifest.StatusSkipped
	var detect manifest.DetectResult
	codes, subject, text, attachments, err := manifest.ExtractCodesFromEmailRaw(msg.Raw)
	if err == nil {
		if subject == "" {
			subject = msg.Subject
		}
		detect = manifest.DetectManifest(subject, text, len(codes), attachments)
		if detect.IsManifest {
			status = manifest.StatusFetched
		}
	}

	row, err := s.db.UpsertManifest(msg.Provider, msg.MessageID, msg.Subject, msg.From, msg.ReceivedAt, hash, rawPath, status)
	if err != nil {
		return internal.ManifestRow{}, err
	}
	if detect.EntityID != "" && row.EntityID == nil {
		if err := s.db.SetManifestEntity(row.ID, detect.EntityID); err != nil {
			return internal.ManifestRow{}, err
		}
		row.EntityID = &detect.EntityID
	}
	return row, nil
}

// AllowedSender matches a From header against entries that are either a full
// address or a domain ("@acme.test" or "acme.test"). An empty list allows all.
func AllowedSender(from string, senders []string) bool {
	if len(senders) == 0 {
		return true
	}
	addr := strings.ToLower(strings.TrimSpace(from))
	if parsed, err := mail.ParseAddress(from); err == nil {
		addr = strings.ToLower(parsed.Address)
	}
	for _, s := range senders {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if strings.Contains(s, "@") && !strings.HasPrefix(s, "@") {
			if addr == s {
				return true
			}
			continue
		}
		if strings.HasSuffix(addr, "@"+strings.TrimPrefix(s, "@")) {
			return true
		}
	}
	return false
}
