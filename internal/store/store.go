// Package store defines the durable local record contract: conversation
// messages, favorited artifacts, and the settings singleton. All writes
// publish on a change feed so the presentation layer observes persisted
// truth instead of polling.
//
// Two implementations are provided: Redis for durable deployments and an
// in-memory store for tests and Redis-less development.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"comfychat/internal/workflow"
)

// ErrNotConfigured is returned by SettingsStore.Get before first
// configuration. Absence of settings is a valid, detectable state, not a
// failure.
var ErrNotConfigured = errors.New("settings not configured")

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("record not found")

// Role identifies who produced a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status is the terminal state of a conversation message.
type Status string

const (
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// Message is one conversation entry. Messages are append-only: once written
// they are never mutated, and they disappear only through a bulk clear.
type Message struct {
	ID      int64  `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ImageURL is the remote artifact address. It is retained even when the
	// binary download failed so the artifact stays reachable.
	ImageURL string `json:"image_url,omitempty"`

	// Image is the embedded artifact binary, empty when retrieval failed.
	Image []byte `json:"image,omitempty"`

	// Timestamp is assigned from a monotonically non-decreasing clock at
	// creation (unix milliseconds); insertion order equals timestamp order.
	Timestamp int64 `json:"timestamp"`

	Status Status `json:"status"`
}

// Favorite is a favorited artifact. The binary is copied out of the source
// message, so clearing the conversation never touches the gallery.
type Favorite struct {
	ID        int64  `json:"id"`
	Prompt    string `json:"prompt"`
	Image     []byte `json:"image"`
	Timestamp int64  `json:"timestamp"`
}

// Settings is the singleton configuration record.
type Settings struct {
	Host         string            `json:"host"`
	AuthToken    string            `json:"auth_token,omitempty"`
	WorkflowJSON string            `json:"workflow_json"`
	SeedMode     workflow.SeedMode `json:"seed_mode"`
	LastSeed     uint64            `json:"last_seed"`
}

// MessageStore is the conversation table contract.
type MessageStore interface {
	// Append assigns the id and timestamp and writes the message
	// atomically: it is either fully visible with its artifact or absent.
	Append(ctx context.Context, msg *Message) error

	// Get returns one message by id, or ErrNotFound.
	Get(ctx context.Context, id int64) (*Message, error)

	// List returns all messages ordered by timestamp.
	List(ctx context.Context) ([]Message, error)

	// Clear removes every message. Ids are not reused afterwards.
	Clear(ctx context.Context) error
}

// FavoriteStore is the gallery table contract.
type FavoriteStore interface {
	Add(ctx context.Context, fav *Favorite) error

	// List returns favorites in reverse-chronological order.
	List(ctx context.Context) ([]Favorite, error)

	Delete(ctx context.Context, id int64) error
}

// SettingsStore is the singleton settings contract.
type SettingsStore interface {
	// Get returns the settings row or ErrNotConfigured.
	Get(ctx context.Context) (*Settings, error)

	// Put replaces the whole row.
	Put(ctx context.Context, s *Settings) error

	// Update applies fn to the latest persisted row and writes it back,
	// so partial updates (seed bookkeeping) never clobber concurrent
	// edits. Returns ErrNotConfigured when no row exists.
	Update(ctx context.Context, fn func(*Settings)) error
}

// Table names a record table on the change feed.
type Table string

const (
	TableMessages  Table = "messages"
	TableFavorites Table = "favorites"
	TableSettings  Table = "settings"
)

// Op describes what happened to a table.
type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
	OpClear  Op = "clear"
)

// Change is one publish-on-write notification.
type Change struct {
	Table Table
	Op    Op
	ID    int64
}

// Store bundles the three tables with their shared change feed.
type Store struct {
	Messages  MessageStore
	Favorites FavoriteStore
	Settings  SettingsStore

	feed *feed
}

// Subscribe registers an observer for one table. Writes to that table are
// immediately visible to the subscription. The returned cancel func must be
// called when done.
func (s *Store) Subscribe(table Table) (<-chan Change, func()) {
	return s.feed.subscribe(table)
}

// changeBufferSize is the per-subscriber buffer; slow subscribers lose
// notifications rather than blocking writers.
const changeBufferSize = 64

// feed fans out change notifications to per-table subscribers.
type feed struct {
	mu   sync.Mutex
	subs map[int]feedSub
	next int
}

type feedSub struct {
	table Table
	ch    chan Change
}

func newFeed() *feed {
	return &feed{subs: make(map[int]feedSub)}
}

func (f *feed) subscribe(table Table) (<-chan Change, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	ch := make(chan Change, changeBufferSize)
	f.subs[id] = feedSub{table: table, ch: ch}
	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub.ch)
		}
	}
	return ch, cancel
}

func (f *feed) publish(change Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if sub.table != change.Table {
			continue
		}
		select {
		case sub.ch <- change:
		default:
		}
	}
}

// monotonicClock hands out unix-millisecond timestamps that never decrease
// and never repeat, so timestamp order always equals insertion order even
// for back-to-back writes.
type monotonicClock struct {
	mu   sync.Mutex
	last int64
}

func (c *monotonicClock) now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := time.Now().UnixMilli()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}
