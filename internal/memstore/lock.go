package memstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotLocked is returned when releasing a lock that is no longer held,
// either because it was never acquired or because its TTL expired.
var ErrNotLocked = errors.New("lock not held")

// releaseScript deletes the mutex key only when it still holds the token of
// the releasing owner. An expired mutex may have been re-acquired by
// someone else; their token must survive.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Mutex is a polling lock over a single key. The key is set with a TTL so a
// crashed owner cannot block others forever.
type Mutex struct {
	client  *redis.Client
	key     string
	timeout time.Duration
	sleep   time.Duration
	token   string
}

// NewMutex builds a mutex over the given key. Acquisition polls every sleep
// interval; a held key expires after timeout.
func (s *Store) NewMutex(key string, timeout, sleep time.Duration) *Mutex {
	return &Mutex{
		client:  s.client,
		key:     key,
		timeout: timeout,
		sleep:   sleep,
		token:   newToken(),
	}
}

func newToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("memstore: reading random token: %v", err))
	}
	return hex.EncodeToString(buf)
}

// TryAcquire attempts to take the mutex without blocking. Returns false when
// the mutex is held by someone else.
func (m *Mutex) TryAcquire(ctx context.Context) (bool, error) {
	return m.client.SetNX(ctx, m.key, m.token, m.timeout).Result()
}

// Acquire blocks until the mutex is taken or the context ends.
func (m *Mutex) Acquire(ctx context.Context) error {
	for {
		ok, err := m.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.sleep):
		}
	}
}

// Release frees the mutex. Returns ErrNotLocked when the key no longer
// carries this owner's token.
func (m *Mutex) Release(ctx context.Context) error {
	deleted, err := releaseScript.Run(ctx, m.client, []string{m.key}, m.token).Int()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrNotLocked
	}
	return nil
}

// ReaderLock is the reader half of a reader-preferring reader/writer lock.
// Each reader registers its id in the <resource>:readers sorted set, scored
// by the time its claim expires. Registration is serialised through the
// resource mutex, but readers never wait for each other.
type ReaderLock struct {
	client         *redis.Client
	resource       string
	mutex          *Mutex
	readingTimeout time.Duration
	id             int64
}

// NewReaderLock builds a reader lock over the named resource. A reader's
// claim on the resource lapses readingTimeout after acquisition even if
// never released.
func (s *Store) NewReaderLock(resource string, readingTimeout, mutexTimeout, sleep time.Duration) *ReaderLock {
	return &ReaderLock{
		client:         s.client,
		resource:       resource,
		mutex:          s.NewMutex(resource+":mutex", mutexTimeout, sleep),
		readingTimeout: readingTimeout,
	}
}

// Acquire registers this reader. Multiple readers hold the resource
// concurrently.
func (r *ReaderLock) Acquire(ctx context.Context) error {
	id, err := r.client.Incr(ctx, r.resource+":readers:next_id").Result()
	if err != nil {
		return err
	}
	r.id = id
	if err := r.mutex.Acquire(ctx); err != nil {
		return err
	}
	expiry := float64(time.Now().Add(r.readingTimeout).Unix())
	err = r.client.ZAdd(ctx, r.resource+":readers", redis.Z{
		Score:  expiry,
		Member: id,
	}).Err()
	if releaseErr := r.mutex.Release(ctx); err == nil {
		err = releaseErr
	}
	return err
}

// Release withdraws this reader's registration.
func (r *ReaderLock) Release(ctx context.Context) error {
	removed, err := r.client.ZRem(ctx, r.resource+":readers", r.id).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrNotLocked
	}
	return nil
}

// WriterLock is the writer half of the reader/writer lock. A writer holds
// the resource mutex while no readers are registered, so new readers and
// other writers stay out until Release.
type WriterLock struct {
	client   *redis.Client
	resource string
	mutex    *Mutex
	sleep    time.Duration
}

// NewWriterLock builds a writer lock over the named resource.
func (s *Store) NewWriterLock(resource string, timeout, sleep time.Duration) *WriterLock {
	return &WriterLock{
		client:   s.client,
		resource: resource,
		mutex:    s.NewMutex(resource+":mutex", timeout, sleep),
		sleep:    sleep,
	}
}

// Acquire blocks until no readers are registered and the resource mutex is
// taken. Readers whose claim has lapsed are purged on every attempt so a
// crashed reader cannot starve writers.
func (w *WriterLock) Acquire(ctx context.Context) error {
	readers := w.resource + ":readers"
	for {
		now := fmt.Sprintf("%d", time.Now().Unix())
		if err := w.client.ZRemRangeByScore(ctx, readers, "-inf", now).Err(); err != nil {
			return err
		}
		count, err := w.client.ZCard(ctx, readers).Result()
		if err != nil {
			return err
		}
		if count == 0 {
			ok, err := w.mutex.TryAcquire(ctx)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.sleep):
		}
	}
}

// Release frees the resource mutex, letting readers and writers in again.
func (w *WriterLock) Release(ctx context.Context) error {
	return w.mutex.Release(ctx)
}
