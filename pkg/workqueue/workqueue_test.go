package workqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyed_PreservesOrderPerKey(t *testing.T) {
	q := NewKeyed(nil)

	var mu sync.Mutex
	got := map[string][]int{}
	for i := 0; i < 50; i++ {
		for _, key := range []string{"a", "b", "c"} {
			i, key := i, key
			q.Go(key, func() {
				mu.Lock()
				got[key] = append(got[key], i)
				mu.Unlock()
			})
		}
	}
	q.Close()

	for _, key := range []string{"a", "b", "c"} {
		require.Len(t, got[key], 50)
		for i, v := range got[key] {
			assert.Equal(t, i, v, "key %s out of order", key)
		}
	}
}

func TestKeyed_SameKeyNeverOverlaps(t *testing.T) {
	q := NewKeyed(nil)

	var mu sync.Mutex
	running, maxRunning := 0, 0
	for i := 0; i < 20; i++ {
		q.Go("peer", func() {
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			running--
			mu.Unlock()
		})
	}
	q.Close()

	assert.Equal(t, 1, maxRunning)
}

func TestKeyed_DifferentKeysRunConcurrently(t *testing.T) {
	q := NewKeyed(nil)
	defer q.Close()

	release := make(chan struct{})
	q.Go("blocked", func() { <-release })

	done := make(chan struct{})
	q.Go("free", func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task on an independent key was blocked")
	}
	close(release)
}

func TestKeyed_RecoversPanics(t *testing.T) {
	var recovered []string
	var mu sync.Mutex
	q := NewKeyed(func(key string, r interface{}) {
		mu.Lock()
		recovered = append(recovered, key)
		mu.Unlock()
	})

	ran := false
	q.Go("k", func() { panic("boom") })
	q.Go("k", func() { ran = true })
	q.Close()

	assert.Equal(t, []string{"k"}, recovered)
	assert.True(t, ran, "lane must keep draining after a panic")
}

func TestKeyed_DropsAfterClose(t *testing.T) {
	q := NewKeyed(nil)
	q.Close()

	ran := false
	q.Go("k", func() { ran = true })
	assert.False(t, ran)
	assert.Equal(t, 0, q.Pending())
}

func TestLoop_NestedTasksRunAfterCurrent(t *testing.T) {
	l := NewLoop(nil)

	var order []string
	l.Go("a", func() {
		order = append(order, "a:start")
		l.Go("b", func() { order = append(order, "b") })
		order = append(order, "a:end")
	})

	assert.Equal(t, []string{"a:start", "a:end", "b"}, order)
}
