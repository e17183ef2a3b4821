package listener

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cagescan/internal/config"
	"cagescan/internal/connectors"
	gmailconnector "cagescan/internal/connectors/gmail"
	imapconnector "cagescan/internal/connectors/imap"
	"cagescan/internal/manifest"
	"cagescan/internal/storage"
)

// Service polls the manifest mailbox and turns new manifests into eligible
// codes for offline stations.
type Service struct {
	db        *storage.DB
	cfg       config.Config
	logger    *slog.Logger
	connector connectors.MailboxConnector
}

type CycleResult struct {
	Provider  string
	Fetched   int
	Ignored   int
	Stored    int
	Manifests int
	Codes     int
}

func NewService(db *storage.DB, cfg config.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, cfg: cfg, logger: logger}
}

// WithConnector replaces the configured provider's connector.
func (s *Service) WithConnector(c connectors.MailboxConnector) *Service {
	s.connector = c
	return s
}

func (s *Service) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.ManifestListenerIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	for {
		if _, err := s.RunCycle(ctx); err != nil {
			s.logger.Error("listener cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func (s *Service) RunCycle(ctx context.Context) (CycleResult, error) {
	provider := strings.ToLower(strings.TrimSpace(s.cfg.ManifestListenerProvider))
	res := CycleResult{Provider: provider}

	mailbox := s.connector
	if mailbox == nil {
		var err error
		if mailbox, err = NewConnector(s.cfg, provider); err != nil {
			return res, err
		}
	}

	fetchService := connectors.NewFetchService(s.db, s.cfg, mailbox)
	fetchResult, err := fetchService.FetchAndStore(ctx, s.cfg.ManifestListenerLabel, s.cfg.ManifestListenerFetchMax)
	res.Fetched, res.Ignored, res.Stored = fetchResult.Fetched, fetchResult.Ignored, fetchResult.Stored
	if err != nil {
		return res, err
	}

	importer := manifest.NewImportService(s.db, s.cfg)
	res.Manifests, res.Codes, err = importer.ProcessPending(s.cfg.ManifestListenerProcessBatch, provider)
	if err != nil {
		return res, err
	}

	_ = s.db.SetMetadata("listener.last_cycle."+provider, time.Now().UTC().Format(time.RFC3339))
	s.logger.Info("listener cycle done",
		"provider", provider,
		"fetched", res.Fetched,
		"ignored", res.Ignored,
		"stored", res.Stored,
		"manifests", res.Manifests,
		"codes", res.Codes,
	)
	return res, nil
}

// NewConnector builds the mailbox connector for a provider name.
func NewConnector(cfg config.Config, provider string) (connectors.MailboxConnector, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "gmail":
		return gmailconnector.NewConnector(cfg)
	case "imap":
		return imapconnector.NewConnector(cfg)
	default:
		return nil, fmt.Errorf("unsupported listener provider: %s", provider)
	}
}
