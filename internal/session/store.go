// Package session holds live recognition conversations and the utterance
// state machine that drives them.
//
// A [Store] maps a [Key] (language plus optional conversation id) to a
// [Conversation]. Every operation on a conversation runs inside that
// conversation's own critical section; the store-wide lock only guards the
// map and is never held while an engine is called. Operations on different
// keys therefore never wait on each other, and operations on the same key
// are applied one at a time, each seeing the state the previous one left.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/audio"
)

// ErrNotFound is returned when an operation that does not create addresses a
// conversation that does not exist.
var ErrNotFound = errors.New("session: conversation not found")

// Key identifies a conversation. An empty ID is the language's default
// conversation.
type Key struct {
	Language string
	ID       string
}

// IsDefault reports whether k addresses the language's default conversation.
func (k Key) IsDefault() bool { return k.ID == "" }

func (k Key) String() string {
	if k.ID == "" {
		return k.Language
	}
	return k.Language + "/" + k.ID
}

// Conversation is the per-key recognition state: the utterance machine and
// the transport decoders for the audio stream.
type Conversation struct {
	Key        Key
	SampleRate int
	Machine    *Machine

	// CreatedAt is when the conversation was created.
	CreatedAt time.Time

	decoders map[audio.Encoding]audio.Decoder
}

// NewConversation returns a Conversation driving m at sampleRate.
func NewConversation(key Key, sampleRate int, m *Machine) *Conversation {
	return &Conversation{
		Key:        key,
		SampleRate: sampleRate,
		Machine:    m,
		CreatedAt:  time.Now(),
		decoders:   make(map[audio.Encoding]audio.Decoder),
	}
}

// Decoder returns the conversation's decoder for enc, creating it with
// factory on first use. Decoders may carry state across chunks.
func (c *Conversation) Decoder(enc audio.Encoding, factory audio.DecoderFactory) (audio.Decoder, error) {
	if d, ok := c.decoders[enc]; ok {
		return d, nil
	}
	d, err := factory(c.SampleRate)
	if err != nil {
		return nil, err
	}
	c.decoders[enc] = d
	return d, nil
}

// resetDecoders drops stateful decoders so the next utterance starts clean.
func (c *Conversation) resetDecoders() {
	clear(c.decoders)
}

// CreateFunc builds a new conversation for a key. It runs inside the key's
// critical section.
type CreateFunc func(key Key) (*Conversation, error)

type slot struct {
	mu       sync.Mutex
	conv     *Conversation
	closed   bool
	lastUsed atomic.Int64 // unix nanos
}

// Store holds conversations. All methods are safe for concurrent use.
type Store struct {
	metrics *observe.Metrics
	now     func() time.Time

	mu    sync.Mutex
	slots map[Key]*slot
}

// StoreOption is a functional option for [NewStore].
type StoreOption func(*Store)

// WithStoreMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithStoreMetrics(m *observe.Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides the time source used for idle tracking.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore returns an empty Store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		now:   time.Now,
		slots: make(map[Key]*slot),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Do runs fn on key's conversation inside its critical section. When the
// conversation does not exist, create builds it (still inside the section,
// so concurrent callers for the same key wait for one creation). A nil
// create makes Do return [ErrNotFound] instead.
func (s *Store) Do(key Key, create CreateFunc, fn func(*Conversation) error) error {
	for {
		s.mu.Lock()
		sl, ok := s.slots[key]
		if !ok {
			if create == nil {
				s.mu.Unlock()
				return ErrNotFound
			}
			sl = &slot{}
			s.slots[key] = sl
		}
		s.mu.Unlock()

		sl.mu.Lock()
		if sl.closed {
			// Closed or evicted between the map lookup and acquiring the
			// slot; start over with the current map.
			sl.mu.Unlock()
			continue
		}
		if sl.conv == nil {
			if create == nil {
				sl.mu.Unlock()
				return ErrNotFound
			}
			conv, err := create(key)
			if err != nil {
				sl.closed = true
				s.unlink(key, sl)
				sl.mu.Unlock()
				return err
			}
			sl.conv = conv
			s.metrics.ActiveSessions.Add(context.Background(), 1)
			slog.Debug("session: conversation created", "key", key.String(), "sample_rate", conv.SampleRate)
		}
		sl.lastUsed.Store(s.now().UnixNano())
		err := fn(sl.conv)
		sl.lastUsed.Store(s.now().UnixNano())
		sl.mu.Unlock()
		return err
	}
}

// Reset clears key's conversation in place. It reports [ErrNotFound] when
// no conversation exists, which callers treat as success.
func (s *Store) Reset(key Key) error {
	return s.Do(key, nil, func(c *Conversation) error {
		c.resetDecoders()
		return c.Machine.Reset()
	})
}

// Close removes key's conversation and releases its engine session. It
// returns [ErrNotFound] when no conversation exists.
func (s *Store) Close(key Key) error {
	s.mu.Lock()
	sl, ok := s.slots[key]
	if ok {
		delete(s.slots, key)
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.closed || sl.conv == nil {
		sl.closed = true
		return ErrNotFound
	}
	sl.closed = true
	return s.release(sl.conv)
}

// Sweep closes named conversations idle for at least idle. Default
// conversations and conversations currently in use are skipped. It returns
// the number of conversations closed.
func (s *Store) Sweep(idle time.Duration) int {
	cutoff := s.now().Add(-idle).UnixNano()

	var victims []*Conversation
	s.mu.Lock()
	for key, sl := range s.slots {
		if key.IsDefault() || sl.lastUsed.Load() > cutoff {
			continue
		}
		if !sl.mu.TryLock() {
			continue
		}
		if !sl.closed && sl.conv != nil {
			sl.closed = true
			victims = append(victims, sl.conv)
			delete(s.slots, key)
		}
		sl.mu.Unlock()
	}
	s.mu.Unlock()

	for _, c := range victims {
		if err := s.release(c); err != nil {
			slog.Warn("session: failed to close idle conversation", "key", c.Key.String(), "err", err)
		}
		slog.Info("session: evicted idle conversation", "key", c.Key.String(), "idle", idle)
	}
	return len(victims)
}

// Run calls Sweep every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval, idle time.Duration) {
	if interval <= 0 || idle <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(idle)
		}
	}
}

// CloseAll closes every conversation. Used at shutdown.
func (s *Store) CloseAll() error {
	s.mu.Lock()
	slots := s.slots
	s.slots = make(map[Key]*slot)
	s.mu.Unlock()

	var errs []error
	for _, sl := range slots {
		sl.mu.Lock()
		if !sl.closed && sl.conv != nil {
			sl.closed = true
			if err := s.release(sl.conv); err != nil {
				errs = append(errs, err)
			}
		}
		sl.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Len returns the number of conversations, including ones being created.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// Has reports whether key has a conversation.
func (s *Store) Has(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.slots[key]
	return ok
}

func (s *Store) release(c *Conversation) error {
	s.metrics.ActiveSessions.Add(context.Background(), -1)
	return c.Machine.Close()
}

// unlink removes sl from the map if it is still the slot for key.
func (s *Store) unlink(key Key, sl *slot) {
	s.mu.Lock()
	if s.slots[key] == sl {
		delete(s.slots, key)
	}
	s.mu.Unlock()
}
