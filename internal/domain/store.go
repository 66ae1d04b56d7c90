package domain

import (
	"context"
	"io"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// EventStore is the append-only system of record. Events within one stream
// are strictly and contiguously sequenced; cross-stream ordering is not
// guaranteed and must not be assumed.
type EventStore interface {
	// Append writes events to the stream and applies their projection effect
	// in the same transaction. expectedSeq must equal the stream's current
	// sequence or ErrConcurrency is returned; an idempotency-key collision is
	// absorbed and reported as ErrDuplicateCommand.
	Append(ctx context.Context, streamKey string, expectedSeq int64, events []Event) error

	// Load returns events with seq > fromSeq in sequence order.
	Load(ctx context.Context, streamKey string, fromSeq int64) ([]Event, error)

	// CurrentSeq returns the stream's latest sequence, 0 for a new stream.
	CurrentSeq(ctx context.Context, streamKey string) (int64, error)

	// Replay rebuilds the aggregate from the nearest snapshot plus subsequent
	// events, through the same apply logic used at write time.
	Replay(ctx context.Context, streamKey string) (Position, error)

	// ListBefore returns events ingested strictly before the cutoff, oldest
	// first, for archival.
	ListBefore(ctx context.Context, before time.Time, limit int) ([]Event, error)
}

// SnapshotStore bounds replay cost with point-in-time aggregate state.
type SnapshotStore interface {
	Save(ctx context.Context, streamKey string, asOfSeq int64, state Position) error
	// Load returns the latest snapshot and its sequence; ErrNotFound when the
	// stream has none.
	Load(ctx context.Context, streamKey string) (Position, int64, error)
}

// PositionProjection is the read-only current-state view derived from the
// event log. It is never the system of record.
type PositionProjection interface {
	GetByID(ctx context.Context, id string) (Position, error)
	// GetActive returns the non-terminal position for (account, symbol), or
	// ErrNotFound. At most one exists at a time by construction.
	GetActive(ctx context.Context, account, symbol string) (Position, error)
	// ActiveOnSide reports whether a core-managed non-terminal position
	// exists for (symbol, side) in any account. The safety-net monitor uses
	// this as its authoritative exclusion check.
	ActiveOnSide(ctx context.Context, symbol string, side Side) (bool, error)
	ListOpen(ctx context.Context, account string) ([]Position, error)
	ListHistory(ctx context.Context, account string, opts ListOpts) ([]Position, error)
}

// IntentJournal is the write-ahead log of side-effecting actions. An intent
// is created before any external call; terminal statuses are immutable.
type IntentJournal interface {
	// Create journals a new pending intent. ErrAlreadyExists means a retry:
	// the caller must read the existing intent instead of re-submitting.
	Create(ctx context.Context, in Intent) error
	Get(ctx context.Context, intentID string) (Intent, error)
	MarkSubmitted(ctx context.Context, intentID string) error
	MarkConfirmed(ctx context.Context, intentID, exchangeOrderID string, price, qty decimal.Decimal) error
	MarkFailed(ctx context.Context, intentID, reason string) error
	MarkBlocked(ctx context.Context, intentID, reason string) error
	// ListUnresolved returns intents for the key that are pending or
	// submitted, i.e. those a restarted process must resolve before trading.
	ListUnresolved(ctx context.Context, account, symbol string) ([]Intent, error)
}

// LeaseStore adjudicates which process may write orders for a key.
type LeaseStore interface {
	// Acquire atomically takes the lease if it is absent or expired,
	// returning a fresh fencing token; ErrLeaseHeld otherwise.
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (Lease, error)
	// Renew extends the lease only when (key, holder, token) still match;
	// ErrLeaseLost otherwise.
	Renew(ctx context.Context, key, holder string, token int64, ttl time.Duration) (Lease, error)
	// Release deletes the caller's own lease; releasing a lost lease is not
	// an error.
	Release(ctx context.Context, key, holder string, token int64) error
	Get(ctx context.Context, key string) (Lease, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of guardrail blocks, degraded
// mode entries, unmatched fills and operator commands.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// PriceCache holds the last observed tick per symbol. The executor's
// staleness guardrail reads it; the feed writes it.
type PriceCache interface {
	SetLast(ctx context.Context, tick MarketTick) error
	GetLast(ctx context.Context, symbol string) (MarketTick, error)
}

// ExclusionSet is the low-latency cross-check consulted by the safety-net
// monitor: membership of (symbol, side) means the core owns that exposure.
type ExclusionSet interface {
	Add(ctx context.Context, symbol string, side Side) error
	Remove(ctx context.Context, symbol string, side Side) error
	Contains(ctx context.Context, symbol string, side Side) (bool, error)
}

// SignalBus is a lightweight pub/sub fabric for lifecycle notifications.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// BlobWriter uploads a blob to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobInfo describes a stored blob.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobReader downloads blobs from object storage. Get returns ErrNotFound
// for a missing path; the caller closes the returned body.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}
