package manifest

import (
	"context"
	"fmt"
	"time"

	"cagescan/internal"
	"cagescan/internal/storage"
)

// Backend serves a station from imported manifests when the warehouse API is
// unreachable. Submissions are queued as pending_sync for a later push.
type Backend struct {
	db      *storage.DB
	profile string
}

func NewBackend(db *storage.DB, profile string) *Backend {
	return &Backend{db: db, profile: profile}
}

func (b *Backend) FetchEligibleCodes(ctx context.Context, entityID string) ([]string, error) {
	codes, err := b.db.ListEligibleCodes(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if len(codes) == 0 {
		return nil, fmt.Errorf("no open manifest codes for %s; import a manifest first", entityID)
	}
	return codes, nil
}

func (b *Backend) SubmitReconciliation(ctx context.Context, entityID string, codes []string, proofs internal.Proofs) (internal.SubmitResult, error) {
	id, err := b.db.InsertPendingSubmission(ctx, b.profile, entityID, codes, proofs)
	if err != nil {
		return internal.SubmitResult{}, err
	}
	if err := b.db.MarkCodesSubmitted(ctx, entityID, codes); err != nil {
		return internal.SubmitResult{}, err
	}
	return internal.SubmitResult{Message: fmt.Sprintf("Saved offline as #%d, %d codes pending sync.", id, len(codes))}, nil
}

func (b *Backend) MarkArrival(ctx context.Context, entityRef string, at time.Time) error {
	return b.db.SetMetadata(fmt.Sprintf("arrival.%s.%s", b.profile, entityRef), at.UTC().Format(time.RFC3339))
}
