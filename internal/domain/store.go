package domain

import (
	"context"
	"io"
	"math/big"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists the append-only audit log of guard decisions, proposal
// lifecycle events, and circuit state changes.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// ProposalStore persists governance proposals so pending proposals survive a
// restart. Proposals are never deleted.
type ProposalStore interface {
	Create(ctx context.Context, p Proposal) error
	Update(ctx context.Context, p Proposal) error
	GetByID(ctx context.Context, id string) (Proposal, error)
	ListPending(ctx context.Context) ([]Proposal, error)
	List(ctx context.Context, opts ListOpts) ([]Proposal, error)
}

// OpportunityStore persists evaluated opportunities for audit and replay.
type OpportunityStore interface {
	Create(ctx context.Context, opp Opportunity) error
	Update(ctx context.Context, opp Opportunity) error
	GetByID(ctx context.Context, id string) (Opportunity, error)
	ListRecent(ctx context.Context, limit int) ([]Opportunity, error)
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]Opportunity, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// PriceCache caches the most recent reference price observation per feed so
// scanner workers can attach a reference price to candidates without hitting
// the feed on every tick. The oracle guard never reads the cache; it always
// fetches the authoritative feed value.
type PriceCache interface {
	SetPrice(ctx context.Context, feedID string, price *big.Int, decimals uint8, updatedAt time.Time) error
	GetPrice(ctx context.Context, feedID string) (PricePoint, error)
}

// SignalBus is a lightweight pub/sub fabric used to stream audit events and
// circuit transitions to observers (websocket hub, dashboards).
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// RateLimiter bounds request rates per key. Used by the HTTP middleware so
// limits hold across replicas.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed mutual exclusion, used to serialize
// governance execution across replicas.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// BlobWriter writes an object to blob storage.
type BlobWriter interface {
	Write(ctx context.Context, key string, body io.Reader, contentType string) error
}

// BlobReader reads an object from blob storage.
type BlobReader interface {
	Read(ctx context.Context, key string) (io.ReadCloser, error)
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

// Archiver moves terminal opportunities and old audit rows to cold storage.
type Archiver interface {
	Archive(ctx context.Context, before time.Time) error
}
