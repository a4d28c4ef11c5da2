package ledger

import (
	"context"
	"time"
)

// =============================================================================
// GENERATION LOG - Outcomes reported by the generation pipeline
// =============================================================================

type GenerationStatus string

const (
	GenerationSucceeded GenerationStatus = "succeeded"
	GenerationFailed    GenerationStatus = "failed"
)

// GenerationRecord is what the external pipeline reports after a task ends.
// Reconciliation matches succeeded records against generation_deduction
// transactions by TaskReference.
type GenerationRecord struct {
	TaskReference  string
	AccountID      AccountID
	GenerationType string
	Status         GenerationStatus

	// PointsCharged is what the pipeline believes was debited, zero if it
	// does not know. Used to annotate repairs, never to charge.
	PointsCharged Points

	CompletedAt time.Time
}

// GenerationLog persists generation outcomes, keyed by TaskReference.
type GenerationLog interface {
	RecordGeneration(ctx context.Context, rec GenerationRecord) error

	// GetGeneration returns nil when the task was never reported.
	GetGeneration(ctx context.Context, taskReference string) (*GenerationRecord, error)
	ListGenerations(ctx context.Context, status GenerationStatus) ([]GenerationRecord, error)
}
