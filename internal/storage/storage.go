package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shohag/driprelay/internal/models"
)

var ErrNotFound = errors.New("not found")

type Storage interface {
	// Sequences
	CreateSequence(ctx context.Context, seq *models.Sequence) error
	GetSequence(ctx context.Context, id string) (*models.Sequence, error)
	GetSequenceByDedupeKey(ctx context.Context, key string) (*models.Sequence, error)
	// ListSequences returns newest first; limit <= 0 returns every row.
	ListSequences(ctx context.Context, status models.SequenceStatus, limit, offset int) ([]models.Sequence, error)
	SetSequenceActive(ctx context.Context, id string, active bool) error

	// Generation lifecycle. ClaimSequence moves a pending or failed sequence,
	// or one stuck in generating since before staleBefore, to generating and
	// reports whether this caller won the claim.
	ClaimSequence(ctx context.Context, id string, staleBefore time.Time) (bool, error)
	UpdateProgress(ctx context.Context, id string, progress int) error
	FailSequence(ctx context.Context, id, message string) error
	CompleteSequence(ctx context.Context, id string, nextDelivery *time.Time) error

	// Items
	InsertItems(ctx context.Context, items []models.Item) (int, error)
	CountItems(ctx context.Context, sequenceID string) (int, error)
	LastItem(ctx context.Context, sequenceID string) (*models.Item, error)
	ListItems(ctx context.Context, sequenceID string) ([]models.Item, error)

	// Delivery
	// DueItems pages through undelivered items of active sequences scheduled
	// at or before before, ordered by scheduled_for then id. A nil after
	// starts at the oldest item.
	DueItems(ctx context.Context, before time.Time, after *DueCursor, limit int) ([]models.DueItem, error)
	PendingItems(ctx context.Context, sequenceID string, before time.Time) ([]models.Item, error)
	SequencesDueWithin(ctx context.Context, horizon time.Time, limit int) ([]models.Sequence, error)
	MarkDelivered(ctx context.Context, itemID, providerMessageID string, at time.Time) (bool, error)
	RefreshNextDelivery(ctx context.Context, sequenceID string) (*time.Time, error)

	// Stats
	GetStats(ctx context.Context) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// DueCursor is the position of the last due item a caller has seen.
type DueCursor struct {
	ScheduledFor time.Time
	ID           string
}

type Stats struct {
	TotalSequences int64                           `json:"total_sequences"`
	ByStatus       map[models.SequenceStatus]int64 `json:"by_status"`
	TotalItems     int64                           `json:"total_items"`
	DeliveredItems int64                           `json:"delivered_items"`
	PendingItems   int64                           `json:"pending_items"`
	DeliveryRate   float64                         `json:"delivery_rate"`
}
