package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/engine/mock"
)

func newTestStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	s := NewStore(append([]StoreOption{WithStoreMetrics(m)}, opts...)...)
	t.Cleanup(func() { _ = s.CloseAll() })
	return s
}

// creator returns a CreateFunc backed by eng and a counter of creations.
func creator(eng *mock.Engine) (CreateFunc, *atomic.Int32) {
	var n atomic.Int32
	model, _ := eng.Load("en", "/models/en")
	return func(key Key) (*Conversation, error) {
		n.Add(1)
		sess, err := model.NewSession(16000)
		if err != nil {
			return nil, err
		}
		return NewConversation(key, 16000, NewMachine(key.Language, sess)), nil
	}, &n
}

func TestStore_CreatesOncePerKey(t *testing.T) {
	s := newTestStore(t)
	create, created := creator(&mock.Engine{})
	key := Key{Language: "en"}

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(key, create, func(*Conversation) error { return nil })
		}()
	}
	wg.Wait()

	if created.Load() != 1 {
		t.Errorf("created %d conversations, want 1", created.Load())
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestStore_SameKeySerialized(t *testing.T) {
	eng := &mock.Engine{FeedDelay: time.Millisecond}
	s := newTestStore(t)
	create, _ := creator(eng)
	key := Key{Language: "en"}

	const n = 32
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Do(key, create, func(c *Conversation) error {
				_, err := c.Machine.Feed(chunk(2, false))
				return err
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := eng.MaxConcurrentFeeds(); got != 1 {
		t.Errorf("max concurrent feeds on one key = %d, want 1", got)
	}
	_ = s.Do(key, nil, func(c *Conversation) error {
		res, _ := c.Machine.Feed(nil)
		if res.Text != "64 bytes" {
			t.Errorf("accumulated partial = %q, want %q (lost update)", res.Text, "64 bytes")
		}
		return nil
	})
}

func TestStore_DifferentKeysDoNotWait(t *testing.T) {
	s := newTestStore(t)
	create, _ := creator(&mock.Engine{})

	inside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.Do(Key{Language: "ru"}, create, func(*Conversation) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside
	defer close(release)

	done := make(chan struct{})
	go func() {
		_ = s.Do(Key{Language: "en"}, create, func(*Conversation) error { return nil })
		_ = s.Do(Key{Language: "ru", ID: "other"}, create, func(*Conversation) error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("operation on another key waited for a held conversation")
	}
}

func TestStore_DoWithoutCreate(t *testing.T) {
	s := newTestStore(t)
	err := s.Do(Key{Language: "en"}, nil, func(*Conversation) error {
		t.Error("fn called for missing conversation")
		return nil
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}

func TestStore_CreateFailureNotKept(t *testing.T) {
	s := newTestStore(t)
	boom := errors.New("no session")
	err := s.Do(Key{Language: "en"}, func(Key) (*Conversation, error) { return nil, boom }, func(*Conversation) error { return nil })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if s.Has(Key{Language: "en"}) {
		t.Error("failed creation left a conversation behind")
	}
}

func TestStore_Reset(t *testing.T) {
	s := newTestStore(t)
	create, created := creator(&mock.Engine{})
	key := Key{Language: "en"}

	if err := s.Reset(key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Reset on missing key = %v, want ErrNotFound", err)
	}

	_ = s.Do(key, create, func(c *Conversation) error {
		_, err := c.Machine.Feed(chunk(6, false))
		return err
	})
	if err := s.Reset(key); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	_ = s.Do(key, nil, func(c *Conversation) error {
		if c.Machine.State() != StateEmpty {
			t.Errorf("state after reset = %v", c.Machine.State())
		}
		return nil
	})
	if created.Load() != 1 {
		t.Error("reset must clear in place, not recreate")
	}
}

func TestStore_Close(t *testing.T) {
	s := newTestStore(t)
	create, created := creator(&mock.Engine{})
	key := Key{Language: "en", ID: "abc"}

	if err := s.Close(key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Close on missing key = %v", err)
	}
	var sess *mock.Session
	_ = s.Do(key, create, func(c *Conversation) error {
		sess = c.Machine.sess.(*mock.Session)
		return nil
	})
	if err := s.Close(key); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := sess.Feed([]byte{1, 2}); err == nil {
		t.Error("engine session still open after Close")
	}
	_ = s.Do(key, create, func(*Conversation) error { return nil })
	if created.Load() != 2 {
		t.Errorf("created = %d, want a fresh conversation after Close", created.Load())
	}
}

func TestStore_SweepEvictsIdleNamedOnly(t *testing.T) {
	var clock atomic.Int64
	clock.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	now := func() time.Time { return time.Unix(0, clock.Load()) }

	s := newTestStore(t, WithClock(now))
	create, _ := creator(&mock.Engine{})
	noop := func(*Conversation) error { return nil }

	_ = s.Do(Key{Language: "en"}, create, noop)
	_ = s.Do(Key{Language: "en", ID: "old"}, create, noop)
	clock.Add(int64(5 * time.Minute))
	_ = s.Do(Key{Language: "en", ID: "fresh"}, create, noop)
	clock.Add(int64(6 * time.Minute))

	if got := s.Sweep(10 * time.Minute); got != 1 {
		t.Fatalf("Sweep closed %d, want 1", got)
	}
	if s.Has(Key{Language: "en", ID: "old"}) {
		t.Error("idle named conversation not evicted")
	}
	if !s.Has(Key{Language: "en"}) {
		t.Error("default conversation evicted")
	}
	if !s.Has(Key{Language: "en", ID: "fresh"}) {
		t.Error("active conversation evicted")
	}
}

func TestStore_SweepSkipsBusy(t *testing.T) {
	s := newTestStore(t)
	create, _ := creator(&mock.Engine{})
	key := Key{Language: "en", ID: "busy"}

	inside := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Do(key, create, func(*Conversation) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside
	if got := s.Sweep(0); got != 0 {
		t.Errorf("Sweep closed %d busy conversations", got)
	}
	close(release)
	<-done
	if !s.Has(key) {
		t.Error("busy conversation removed")
	}
}

func TestConversation_DecoderReused(t *testing.T) {
	c := NewConversation(Key{Language: "en"}, 16000, nil)
	var made int
	factory := func(rate int) (audio.Decoder, error) {
		made++
		if rate != 16000 {
			t.Errorf("factory rate = %d", rate)
		}
		return audio.PCM16Decoder{}, nil
	}
	for range 3 {
		if _, err := c.Decoder(audio.EncodingOpus, factory); err != nil {
			t.Fatal(err)
		}
	}
	if made != 1 {
		t.Errorf("factory called %d times, want 1", made)
	}
	c.resetDecoders()
	_, _ = c.Decoder(audio.EncodingOpus, factory)
	if made != 2 {
		t.Errorf("decoder not recreated after reset")
	}
}

func TestKey_String(t *testing.T) {
	if got := (Key{Language: "en"}).String(); got != "en" {
		t.Errorf("default key = %q", got)
	}
	if got := (Key{Language: "en", ID: "x"}).String(); got != "en/x" {
		t.Errorf("named key = %q", got)
	}
}
