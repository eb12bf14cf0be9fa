package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// NewRedisStore connects to Redis and returns a Store whose tables are keyed
// under the given namespace. The connection is verified with a ping before
// the store is handed out.
func NewRedisStore(ctx context.Context, redisURL, namespace string) (*Store, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	tables := &redisTables{client: client, ns: namespace, feed: newFeed()}
	return &Store{
		Messages:  &redisMessages{t: tables},
		Favorites: &redisFavorites{t: tables},
		Settings:  &redisSettings{t: tables},
		feed:      tables.feed,
	}, nil
}

// Redis layout per namespace:
//
//	{ns}:messages:seq    counter for message ids (never reset, ids not reused)
//	{ns}:messages:index  ZSET, member=id, score=timestamp
//	{ns}:message:{id}    JSON record
//	{ns}:favorites:*     same shape as messages
//	{ns}:settings        JSON singleton row
type redisTables struct {
	client *redis.Client
	ns     string
	clock  monotonicClock
	feed   *feed

	// settingsMu serializes read-modify-write settings updates within this
	// process so seed bookkeeping merges onto the latest row.
	settingsMu sync.Mutex
}

func (t *redisTables) key(suffix string) string {
	return t.ns + ":" + suffix
}

type redisMessages struct{ t *redisTables }

func (r *redisMessages) Append(ctx context.Context, msg *Message) error {
	id, err := r.t.client.Incr(ctx, r.t.key("messages:seq")).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate message id: %w", err)
	}
	msg.ID = id
	msg.Timestamp = r.t.clock.now()

	data, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	// Record and index land together or not at all.
	_, err = r.t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.t.key("message:"+strconv.FormatInt(id, 10)), data, 0)
		pipe.ZAdd(ctx, r.t.key("messages:index"), redis.Z{Score: float64(msg.Timestamp), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	r.t.feed.publish(Change{Table: TableMessages, Op: OpPut, ID: id})
	return nil
}

func (r *redisMessages) Get(ctx context.Context, id int64) (*Message, error) {
	data, err := r.t.client.Get(ctx, r.t.key("message:"+strconv.FormatInt(id, 10))).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message %d: %w", id, err)
	}
	var msg Message
	if err := sonic.UnmarshalString(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message %d: %w", id, err)
	}
	return &msg, nil
}

func (r *redisMessages) List(ctx context.Context) ([]Message, error) {
	ids, err := r.t.client.ZRange(ctx, r.t.key("messages:index"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read message index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.t.key("message:" + id)
	}
	values, err := r.t.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	messages := make([]Message, 0, len(values))
	for _, value := range values {
		data, ok := value.(string)
		if !ok {
			continue
		}
		var msg Message
		if err := sonic.UnmarshalString(data, &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (r *redisMessages) Clear(ctx context.Context) error {
	ids, err := r.t.client.ZRange(ctx, r.t.key("messages:index"), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to read message index: %w", err)
	}

	_, err = r.t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, r.t.key("message:"+id))
		}
		pipe.Del(ctx, r.t.key("messages:index"))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	r.t.feed.publish(Change{Table: TableMessages, Op: OpClear})
	return nil
}

type redisFavorites struct{ t *redisTables }

func (r *redisFavorites) Add(ctx context.Context, fav *Favorite) error {
	id, err := r.t.client.Incr(ctx, r.t.key("favorites:seq")).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate favorite id: %w", err)
	}
	fav.ID = id
	fav.Timestamp = r.t.clock.now()

	data, err := sonic.Marshal(fav)
	if err != nil {
		return fmt.Errorf("failed to marshal favorite: %w", err)
	}

	_, err = r.t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.t.key("favorite:"+strconv.FormatInt(id, 10)), data, 0)
		pipe.ZAdd(ctx, r.t.key("favorites:index"), redis.Z{Score: float64(fav.Timestamp), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add favorite: %w", err)
	}

	r.t.feed.publish(Change{Table: TableFavorites, Op: OpPut, ID: id})
	return nil
}

func (r *redisFavorites) List(ctx context.Context) ([]Favorite, error) {
	ids, err := r.t.client.ZRevRange(ctx, r.t.key("favorites:index"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read favorites index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.t.key("favorite:" + id)
	}
	values, err := r.t.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load favorites: %w", err)
	}

	favorites := make([]Favorite, 0, len(values))
	for _, value := range values {
		data, ok := value.(string)
		if !ok {
			continue
		}
		var fav Favorite
		if err := sonic.UnmarshalString(data, &fav); err != nil {
			continue
		}
		favorites = append(favorites, fav)
	}
	return favorites, nil
}

func (r *redisFavorites) Delete(ctx context.Context, id int64) error {
	_, err := r.t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.t.key("favorite:"+strconv.FormatInt(id, 10)))
		pipe.ZRem(ctx, r.t.key("favorites:index"), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete favorite %d: %w", id, err)
	}

	r.t.feed.publish(Change{Table: TableFavorites, Op: OpDelete, ID: id})
	return nil
}

type redisSettings struct{ t *redisTables }

func (r *redisSettings) Get(ctx context.Context) (*Settings, error) {
	data, err := r.t.client.Get(ctx, r.t.key("settings")).Result()
	if err == redis.Nil {
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	var s Settings
	if err := sonic.UnmarshalString(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return &s, nil
}

func (r *redisSettings) Put(ctx context.Context, s *Settings) error {
	data, err := sonic.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := r.t.client.Set(ctx, r.t.key("settings"), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}

	r.t.feed.publish(Change{Table: TableSettings, Op: OpPut})
	return nil
}

func (r *redisSettings) Update(ctx context.Context, fn func(*Settings)) error {
	r.t.settingsMu.Lock()
	defer r.t.settingsMu.Unlock()

	current, err := r.Get(ctx)
	if err != nil {
		return err
	}
	fn(current)
	return r.Put(ctx, current)
}
