package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventsChannel is the pub/sub channel carrying session start/stop events.
const EventsChannel = "environments"

// ErrNotCached is returned when a requested entry is absent from the cache.
var ErrNotCached = errors.New("entry not present in cache")

// Entry pairs a package name with its manifest JSON.
type Entry struct {
	Name     string
	Manifest json.RawMessage
}

// SessionEvent is the payload published on EventsChannel when a session
// starts or stops.
type SessionEvent struct {
	Type         string `json:"type"`
	SessionID    int64  `json:"session_id"`
	SessionStart string `json:"session_start,omitempty"`
	IP           string `json:"ip"`
	Port         int    `json:"port"`
}

// Store wraps the shared Redis instance. Commands are issued over the
// client's connection pool, one connection per operation, so a Store is
// safe for concurrent use.
type Store struct {
	client *redis.Client
}

// Options holds the connection parameters for the shared store.
type Options struct {
	Host     string
	Port     int
	DB       int
	Password string
}

// Connect opens a client to the shared store.
func Connect(opts Options) *Store {
	return New(redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		DB:       opts.DB,
		Password: opts.Password,
	}))
}

// New wraps an existing client, typically a test instance.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close releases the client's connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// FlushAll clears the whole store. Used at startup before priming the
// repository mirror and at shutdown.
func (s *Store) FlushAll(ctx context.Context) error {
	return s.client.FlushDB(ctx).Err()
}

func repositoryKey(name string) string {
	return "repository:" + name
}

func environmentKey(ip string, port int) string {
	return fmt.Sprintf("environments:%s:%d", ip, port)
}

// PrimeRepository clears the store and loads the repository mirror with the
// given entries. Called once at startup with the manifests of everything on
// disk.
func (s *Store) PrimeRepository(ctx context.Context, entries []Entry) error {
	if err := s.FlushAll(ctx); err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	for _, e := range entries {
		pipe.Set(ctx, repositoryKey(e.Name), string(e.Manifest), 0)
		pipe.ZAdd(ctx, "repository_index", redis.Z{Score: 0, Member: e.Name})
	}
	_, err := pipe.Exec(ctx)
	return err
}

// SetRepositoryEntry stores a package manifest and registers the name in the
// repository index. Both writes land atomically.
func (s *Store) SetRepositoryEntry(ctx context.Context, name string, manifest json.RawMessage) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, repositoryKey(name), string(manifest), 0)
	pipe.ZAdd(ctx, "repository_index", redis.Z{Score: 0, Member: name})
	_, err := pipe.Exec(ctx)
	return err
}

// DeleteRepositoryEntry removes a package manifest and its index membership.
func (s *Store) DeleteRepositoryEntry(ctx context.Context, name string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, repositoryKey(name))
	pipe.ZRem(ctx, "repository_index", name)
	_, err := pipe.Exec(ctx)
	return err
}

// RepositoryEntry returns the cached manifest of one package, or
// ErrNotCached.
func (s *Store) RepositoryEntry(ctx context.Context, name string) (json.RawMessage, error) {
	value, err := s.client.Get(ctx, repositoryKey(name)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotCached, name)
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(value), nil
}

// ListRepository returns every cached manifest in index (alphabetical)
// order.
func (s *Store) ListRepository(ctx context.Context) ([]json.RawMessage, error) {
	names, err := s.client.ZRange(ctx, "repository_index", 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return []json.RawMessage{}, nil
	}
	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = repositoryKey(name)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	manifests := make([]json.RawMessage, 0, len(values))
	for _, v := range values {
		if str, ok := v.(string); ok {
			manifests = append(manifests, json.RawMessage(str))
		}
	}
	return manifests, nil
}

// ClearEnvironmentCache drops every cached key of the (ip, port) namespace.
func (s *Store) ClearEnvironmentCache(ctx context.Context, ip string, port int) error {
	key := environmentKey(ip, port)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.Del(ctx, key+":installed_index")
	_, err := pipe.Exec(ctx)
	return err
}

// MarkInstalledUncached flags the environment's installed cache as not
// initialized. Done at registration time.
func (s *Store) MarkInstalledUncached(ctx context.Context, ip string, port int) error {
	return s.client.HSet(ctx, environmentKey(ip, port), "installed_cached", "0").Err()
}

// InstalledCached reports whether the environment's installed cache has been
// primed.
func (s *Store) InstalledCached(ctx context.Context, ip string, port int) (bool, error) {
	flag, err := s.client.HGet(ctx, environmentKey(ip, port), "installed_cached").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return flag == "1", nil
}

// ListInstalled projects the environment's cached installed packages in
// index order.
func (s *Store) ListInstalled(ctx context.Context, ip string, port int) ([]json.RawMessage, error) {
	key := environmentKey(ip, port)
	names, err := s.client.ZRange(ctx, key+":installed_index", 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return []json.RawMessage{}, nil
	}
	fields := make([]string, len(names))
	for i, name := range names {
		fields[i] = "installed:" + name
	}
	values, err := s.client.HMGet(ctx, key, fields...).Result()
	if err != nil {
		return nil, err
	}
	manifests := make([]json.RawMessage, 0, len(values))
	for _, v := range values {
		if str, ok := v.(string); ok {
			manifests = append(manifests, json.RawMessage(str))
		}
	}
	return manifests, nil
}

// PrimeInstalled stores a node's reported manifests in the environment
// cache and flips the installed_cached flag.
func (s *Store) PrimeInstalled(ctx context.Context, ip string, port int, entries []Entry) error {
	key := environmentKey(ip, port)
	pipe := s.client.TxPipeline()
	for _, e := range entries {
		pipe.HSet(ctx, key, "installed:"+e.Name, string(e.Manifest))
		pipe.ZAdd(ctx, key+":installed_index", redis.Z{Score: 0, Member: e.Name})
	}
	pipe.HSet(ctx, key, "installed_cached", "1")
	_, err := pipe.Exec(ctx)
	return err
}

// CopyRepositoryToInstalled projects the repository manifests of the given
// packages into the environment cache after a successful install.
func (s *Store) CopyRepositoryToInstalled(ctx context.Context, ip string, port int, packages []string) error {
	key := environmentKey(ip, port)
	pipe := s.client.TxPipeline()
	for _, name := range packages {
		manifest, err := s.RepositoryEntry(ctx, name)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, key, "installed:"+name, string(manifest))
		pipe.ZAdd(ctx, key+":installed_index", redis.Z{Score: 0, Member: name})
	}
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveInstalled drops one package from the environment cache after a
// successful uninstall.
func (s *Store) RemoveInstalled(ctx context.Context, ip string, port int, name string) error {
	key := environmentKey(ip, port)
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, key, "installed:"+name)
	pipe.ZRem(ctx, key+":installed_index", name)
	_, err := pipe.Exec(ctx)
	return err
}

// PublishSessionEvent emits a session event on EventsChannel.
func (s *Store) PublishSessionEvent(ctx context.Context, event SessionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, EventsChannel, payload).Err()
}

// SubscribeSessionEvents opens a subscription to EventsChannel. The caller
// owns the returned subscription and must close it.
func (s *Store) SubscribeSessionEvents(ctx context.Context) *redis.PubSub {
	return s.client.Subscribe(ctx, EventsChannel)
}

// InstalledMutex returns the mutex serialising mutations of the
// environment's installed cache.
func (s *Store) InstalledMutex(ip string, port int) *Mutex {
	return s.NewMutex(environmentKey(ip, port)+":installed:mutex", lockTimeout, lockSleep)
}

// RepositoryReaderLock returns a reader lock over the tests repository.
func (s *Store) RepositoryReaderLock() *ReaderLock {
	return s.NewReaderLock("repository", lockTimeout, lockTimeout, lockSleep)
}

// RepositoryWriterLock returns a writer lock over the tests repository.
func (s *Store) RepositoryWriterLock() *WriterLock {
	return s.NewWriterLock("repository", lockTimeout, lockSleep)
}

const (
	lockTimeout = 30 * time.Second
	lockSleep   = 1 * time.Second
)
