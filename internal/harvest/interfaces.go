package harvest

import (
	"context"
	"time"
)

// PageFetcher returns the raw page or JSON content for a target.
// It fails with ErrNotAuthenticated when the session was rejected.
type PageFetcher interface {
	Fetch(ctx context.Context, target string, session Session, identity Identity) (RawContent, error)
}

// AttributeExtractor turns raw content into a validated record or fails with ErrSchemaInvalid.
type AttributeExtractor interface {
	Extract(ctx context.Context, item WorkItem, raw RawContent) (Record, error)
}

// Persistor writes an extracted record to the datastore.
type Persistor interface {
	Save(ctx context.Context, item WorkItem, record Record) error
}

// CredentialStore persists opaque session credentials across process restarts.
// Load returns ErrNotFound when nothing was saved yet.
type CredentialStore interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, blob []byte) error
}

// Authenticator runs a login flow against the target service. previous holds the
// last persisted credentials (possibly nil) so flows can reuse a live browser session.
type Authenticator interface {
	Login(ctx context.Context, previous []byte) (Credentials, error)
}

// Tracker is the work queue and the sole authority on work item status.
type Tracker interface {
	Enqueue(ctx context.Context, ids ...string) (int, error)
	ClaimBatch(ctx context.Context, n int) ([]WorkItem, error)
	MarkDone(ctx context.Context, item WorkItem) error
	MarkFailed(ctx context.Context, item WorkItem, errText string) error
	Requeue(ctx context.Context, item WorkItem, reason string) error
	ResetStale(ctx context.Context, olderThan time.Duration) (int, error)
	Counts(ctx context.Context) (map[Status]int, error)
}

// Notifier publishes terminal item events (best effort).
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces claim tokens and run ids.
type IDGenerator interface {
	NewID() (string, error)
}
