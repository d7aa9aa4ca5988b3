package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExactMatchOrdering(t *testing.T) {
	b := New(nil)
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		b.Subscribe("evt", func(ctx context.Context, event string, data any) error {
			order = append(order, i)
			return nil
		})
	}
	b.Publish("evt", nil)
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestWildcardMatch(t *testing.T) {
	b := New(nil)
	var got []string
	b.Subscribe("process:*", func(ctx context.Context, event string, data any) error {
		got = append(got, event)
		return nil
	})
	b.Publish("process:started", nil)
	b.Publish("config:loaded", nil)
	b.Publish("process:stopped", nil)
	assert.Equal(t, []string{"process:started", "process:stopped"}, got)
}

func TestGlobalWildcard(t *testing.T) {
	b := New(nil)
	count := 0
	b.Subscribe("*", func(ctx context.Context, event string, data any) error {
		count++
		return nil
	})
	b.Publish("a", nil)
	b.Publish("b", nil)
	assert.Equal(t, 2, count)
}

func TestSubscribeOnceFiresOnce(t *testing.T) {
	b := New(nil)
	count := 0
	b.SubscribeOnce("evt", func(ctx context.Context, event string, data any) error {
		count++
		return nil
	})
	b.Publish("evt", nil)
	b.Publish("evt", nil)
	assert.Equal(t, 1, count)
}

func TestHandlerErrorDoesNotStopOthers(t *testing.T) {
	b := New(nil)
	var second bool
	b.Subscribe("evt", func(ctx context.Context, event string, data any) error {
		return errors.New("boom")
	})
	b.Subscribe("evt", func(ctx context.Context, event string, data any) error {
		second = true
		return nil
	})
	b.Publish("evt", nil)
	assert.True(t, second)
}

func TestPublishAndWaitAwaitsAsyncHandlers(t *testing.T) {
	b := New(nil)
	var mu sync.Mutex
	done := false
	b.SubscribeAsync("evt", func(ctx context.Context, event string, data any) error {
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		done = true
		mu.Unlock()
		return nil
	})
	b.PublishAndWait(context.Background(), "evt", nil)
	mu.Lock()
	defer mu.Unlock()
	require.True(t, done)
}

func TestUnsubscribe(t *testing.T) {
	b := New(nil)
	count := 0
	unsub := b.Subscribe("evt", func(ctx context.Context, event string, data any) error {
		count++
		return nil
	})
	b.Publish("evt", nil)
	unsub()
	b.Publish("evt", nil)
	assert.Equal(t, 1, count)
}
