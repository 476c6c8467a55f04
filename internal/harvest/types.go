// Package harvest defines the core types shared across the fetch, extract and persist subsystems.
package harvest

import (
	"net/url"
	"strconv"
	"time"
)

// Status represents the lifecycle state of a work item.
type Status string

// Work item status values persisted by trackers.
const (
	StatusPending Status = "pending"
	StatusClaimed Status = "claimed"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the status is Done or Failed.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// WorkItem is one target (job or client identifier) to be fetched, extracted and persisted.
type WorkItem struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	ClaimToken string     `json:"-"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
}

// Stage names one step of the per-item pipeline.
type Stage string

// Pipeline stages.
const (
	StageFetch   Stage = "fetch"
	StageExtract Stage = "extract"
	StagePersist Stage = "persist"
)

// Credentials is the opaque output of an authentication flow.
type Credentials struct {
	Blob      []byte
	ExpiresAt time.Time
}

// Session is an authenticated identity usable for fetch requests.
type Session struct {
	Credentials []byte
	Generation  uint64
	Valid       bool
	ObtainedAt  time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the session carries an expiry that has passed.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Usable reports whether the session may be handed to fetchers.
func (s Session) Usable(now time.Time) bool {
	return s.Valid && len(s.Credentials) > 0 && !s.Expired(now)
}

// Identity is an egress identity: a proxy endpoint, a bearer token, or both.
// The zero value means a direct connection.
type Identity struct {
	ID       string
	Scheme   string
	Host     string
	Port     int
	Username string
	Password string
	Token    string
}

// Direct reports whether the identity routes without a proxy.
func (i Identity) Direct() bool {
	return i.Host == ""
}

// ProxyURL renders the proxy endpoint, including credentials when present.
func (i Identity) ProxyURL() string {
	if i.Direct() {
		return ""
	}
	scheme := i.Scheme
	if scheme == "" {
		scheme = "http"
	}
	u := url.URL{Scheme: scheme, Host: i.Host}
	if i.Port > 0 {
		u.Host = i.Host + ":" + strconv.Itoa(i.Port)
	}
	if i.Username != "" {
		u.User = url.UserPassword(i.Username, i.Password)
	}
	return u.String()
}

// String hides credentials for logging.
func (i Identity) String() string {
	if i.ID != "" {
		return i.ID
	}
	if i.Direct() {
		return "direct"
	}
	return i.Host + ":" + strconv.Itoa(i.Port)
}

// RawContent is the unparsed page or API payload returned by a PageFetcher.
type RawContent struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	FetchedAt   time.Time
	Duration    time.Duration
}

// Record is the validated output of an AttributeExtractor. The payload is opaque to the core.
type Record struct {
	ItemID      string    `json:"item_id"`
	Kind        string    `json:"kind"`
	Payload     any       `json:"payload"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// EventType identifies the terminal transition reported to notifiers.
type EventType string

// Notification event types.
const (
	EventDone   EventType = "done"
	EventFailed EventType = "failed"
)

// Event is published after a work item reaches a terminal state.
type Event struct {
	Type     EventType `json:"type"`
	ItemID   string    `json:"item_id"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}
