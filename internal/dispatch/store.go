package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/herald/internal/notification"
)

var (
	// ErrDuplicate is returned by Store.Create when the external event id is
	// already recorded.
	ErrDuplicate = errors.New("external event id already recorded")

	// ErrConflict is returned by conditional writes when the row is no longer
	// in one of the expected statuses.
	ErrConflict = errors.New("notification status changed concurrently")
)

// ClaimQuery selects due rows for one worker pass.
type ClaimQuery struct {
	// From is StatusPending for the pending scan or StatusFailed for the
	// retry pass. FAILED rows are only claimed while RetryCount < MaxRetries.
	From  notification.Status
	Limit int
	// Now excludes rows whose NextAttemptAt is still in the future.
	Now time.Time
}

// Page is a limit/offset window for list queries.
type Page struct {
	Limit  int
	Offset int
}

// Store persists notifications and their delivery attempts. Claims are
// atomic: a row moves to PROCESSING for exactly one caller. Claiming a
// FAILED row increments RetryCount in the same write.
type Store interface {
	Create(ctx context.Context, n *notification.Notification) error
	Get(ctx context.Context, id uuid.UUID) (*notification.Notification, error)
	FindByExternalEventID(ctx context.Context, externalEventID string) (*notification.Notification, bool, error)

	ClaimNext(ctx context.Context, q ClaimQuery) ([]*notification.Notification, error)
	Claim(ctx context.Context, id uuid.UUID, from []notification.Status, now time.Time) (*notification.Notification, error)

	// Save writes the mutable fields of n. When expect is non-empty the write
	// only happens if the stored status is one of them, otherwise ErrConflict.
	Save(ctx context.Context, n *notification.Notification, expect ...notification.Status) error

	SaveDelivery(ctx context.Context, d *notification.Delivery) error
	ListDeliveries(ctx context.Context, notificationID uuid.UUID) ([]*notification.Delivery, error)

	ListByRecipient(ctx context.Context, recipientID string, p Page) ([]*notification.Notification, error)
	ListPending(ctx context.Context, limit int) ([]*notification.Notification, error)
	ListFailedRetryable(ctx context.Context, limit int) ([]*notification.Notification, error)
}

// TemplateStore resolves template ids. Unknown ids return
// notification.ErrTemplateNotFound.
type TemplateStore interface {
	GetTemplate(ctx context.Context, id string) (*notification.Template, error)
}

// IdempotencyCache is a fast path in front of the store's unique external
// event id. It is advisory: errors are logged and the store decides.
type IdempotencyCache interface {
	// CheckOrReserve returns the id already recorded for key, or reserves
	// key and returns nil.
	CheckOrReserve(ctx context.Context, key string) (*uuid.UUID, error)
	Complete(ctx context.Context, key string, id uuid.UUID) error
	Release(ctx context.Context, key string) error
}
