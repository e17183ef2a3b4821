package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"cagescan/internal"
	"cagescan/internal/config"
	"cagescan/internal/storage"
)

func RoutesFor(profile string) (Routes, error) {
	switch profile {
	case "dispatch":
		return DispatchRoutes, nil
	case "scan-to-cage":
		return ScanToCageRoutes, nil
	default:
		return Routes{}, fmt.Errorf("no warehouse routes for profile %q", profile)
	}
}

// SyncService pushes submissions recorded offline to the warehouse API.
type SyncService struct {
	db      *storage.DB
	cfg     config.Config
	logger  *slog.Logger
	clients map[string]*Client
}

type SyncResult struct {
	Attempted int
	Synced    int
	Rejected  int
	Failed    int
}

func NewSyncService(db *storage.DB, cfg config.Config, logger *slog.Logger) *SyncService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncService{db: db, cfg: cfg, logger: logger, clients: map[string]*Client{}}
}

func (s *SyncService) client(profile string) (*Client, error) {
	if c, ok := s.clients[profile]; ok {
		return c, nil
	}
	routes, err := RoutesFor(profile)
	if err != nil {
		return nil, err
	}
	c := NewClient(s.cfg, routes)
	s.clients[profile] = c
	return c, nil
}

// SyncPending submits up to limit pending rows in order. A row the server
// rejects permanently is marked rejected; transient failures stay pending.
func (s *SyncService) SyncPending(ctx context.Context, limit int) (SyncResult, error) {
	rows, err := s.db.ListPendingSubmissions(limit)
	if err != nil {
		return SyncResult{}, err
	}

	res := SyncResult{}
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Attempted++

		client, err := s.client(row.Profile)
		if err != nil {
			return res, err
		}
		proofs := internal.Proofs{
			Photo:        &internal.Asset{URI: row.PhotoRef, Name: filepath.Base(row.PhotoRef)},
			Signature:    &internal.Asset{URI: row.SignatureRef, Name: filepath.Base(row.SignatureRef)},
			Registration: row.Registration,
		}

		_, err = client.SubmitReconciliation(ctx, row.EntityID, row.Codes, proofs)
		if err == nil {
			// A row left pending after the server accepted it would be sent
			// again on the next run, so the batch stops here.
			if err := s.db.UpdatePendingSubmission(row.ID, storage.Synced, nil); err != nil {
				s.logger.Error("mark submission synced failed", "id", row.ID, "entity", row.EntityID, "error", err)
				return res, fmt.Errorf("submission %d accepted but not marked synced: %w", row.ID, err)
			}
			res.Synced++
			if err := client.MarkArrival(ctx, row.EntityID, time.Now()); err != nil {
				s.logger.Warn("mark arrival failed", "profile", row.Profile, "entity", row.EntityID, "error", err)
			}
			continue
		}

		msg := err.Error()
		status := storage.PendingSync
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Permanent() {
			status = storage.Rejected
		}
		if err := s.db.UpdatePendingSubmission(row.ID, status, &msg); err != nil {
			return res, fmt.Errorf("record submission %d as %s: %w", row.ID, status, err)
		}
		if status == storage.Rejected {
			res.Rejected++
			s.logger.Warn("pending submission rejected", "id", row.ID, "entity", row.EntityID, "error", msg)
			continue
		}
		res.Failed++
		s.logger.Warn("pending submission failed", "id", row.ID, "entity", row.EntityID, "error", msg)
	}

	if err := s.db.SetMetadata("warehouse.last_pending_sync", time.Now().UTC().Format(time.RFC3339)); err != nil {
		s.logger.Warn("record sync time failed", "error", err)
	}
	return res, nil
}
