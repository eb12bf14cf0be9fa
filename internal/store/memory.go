package store

import (
	"context"
	"sort"
	"sync"
)

// NewMemoryStore returns a Store backed by process memory. It honors the
// full table contract and is used by tests and as a fallback when no Redis
// is configured; history then lives only as long as the process.
func NewMemoryStore() *Store {
	tables := &memoryTables{feed: newFeed()}
	return &Store{
		Messages:  &memoryMessages{t: tables},
		Favorites: &memoryFavorites{t: tables},
		Settings:  &memorySettings{t: tables},
		feed:      tables.feed,
	}
}

type memoryTables struct {
	mu          sync.Mutex
	clock       monotonicClock
	feed        *feed
	messages    []Message
	messageSeq  int64
	favorites   []Favorite
	favoriteSeq int64
	settings    *Settings
}

type memoryMessages struct{ t *memoryTables }

func (m *memoryMessages) Append(ctx context.Context, msg *Message) error {
	m.t.mu.Lock()
	m.t.messageSeq++
	msg.ID = m.t.messageSeq
	msg.Timestamp = m.t.clock.now()
	m.t.messages = append(m.t.messages, *msg)
	m.t.mu.Unlock()

	m.t.feed.publish(Change{Table: TableMessages, Op: OpPut, ID: msg.ID})
	return nil
}

func (m *memoryMessages) Get(ctx context.Context, id int64) (*Message, error) {
	m.t.mu.Lock()
	defer m.t.mu.Unlock()
	for i := range m.t.messages {
		if m.t.messages[i].ID == id {
			msg := m.t.messages[i]
			return &msg, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memoryMessages) List(ctx context.Context) ([]Message, error) {
	m.t.mu.Lock()
	out := make([]Message, len(m.t.messages))
	copy(out, m.t.messages)
	m.t.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (m *memoryMessages) Clear(ctx context.Context) error {
	m.t.mu.Lock()
	m.t.messages = nil
	m.t.mu.Unlock()

	m.t.feed.publish(Change{Table: TableMessages, Op: OpClear})
	return nil
}

type memoryFavorites struct{ t *memoryTables }

func (m *memoryFavorites) Add(ctx context.Context, fav *Favorite) error {
	m.t.mu.Lock()
	m.t.favoriteSeq++
	fav.ID = m.t.favoriteSeq
	fav.Timestamp = m.t.clock.now()
	m.t.favorites = append(m.t.favorites, *fav)
	m.t.mu.Unlock()

	m.t.feed.publish(Change{Table: TableFavorites, Op: OpPut, ID: fav.ID})
	return nil
}

func (m *memoryFavorites) List(ctx context.Context) ([]Favorite, error) {
	m.t.mu.Lock()
	out := make([]Favorite, len(m.t.favorites))
	copy(out, m.t.favorites)
	m.t.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}

func (m *memoryFavorites) Delete(ctx context.Context, id int64) error {
	m.t.mu.Lock()
	kept := m.t.favorites[:0]
	for _, fav := range m.t.favorites {
		if fav.ID != id {
			kept = append(kept, fav)
		}
	}
	m.t.favorites = kept
	m.t.mu.Unlock()

	m.t.feed.publish(Change{Table: TableFavorites, Op: OpDelete, ID: id})
	return nil
}

type memorySettings struct{ t *memoryTables }

func (m *memorySettings) Get(ctx context.Context) (*Settings, error) {
	m.t.mu.Lock()
	defer m.t.mu.Unlock()
	if m.t.settings == nil {
		return nil, ErrNotConfigured
	}
	s := *m.t.settings
	return &s, nil
}

func (m *memorySettings) Put(ctx context.Context, s *Settings) error {
	m.t.mu.Lock()
	row := *s
	m.t.settings = &row
	m.t.mu.Unlock()

	m.t.feed.publish(Change{Table: TableSettings, Op: OpPut})
	return nil
}

func (m *memorySettings) Update(ctx context.Context, fn func(*Settings)) error {
	m.t.mu.Lock()
	if m.t.settings == nil {
		m.t.mu.Unlock()
		return ErrNotConfigured
	}
	fn(m.t.settings)
	m.t.mu.Unlock()

	m.t.feed.publish(Change{Table: TableSettings, Op: OpPut})
	return nil
}
