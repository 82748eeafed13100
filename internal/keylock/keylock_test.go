package keylock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_SameKeySerializes(t *testing.T) {
	m := New[int64]()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock(42)
			defer unlock()

			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 1, m.Len())
}

func TestMap_DifferentKeysDoNotBlock(t *testing.T) {
	m := New[int64]()

	unlockA := m.Lock(1)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := m.Lock(2)
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on key 2 blocked behind key 1")
	}
}

func TestMap_TryLock(t *testing.T) {
	m := New[string]()

	unlock, ok := m.TryLock("a")
	require.True(t, ok)

	_, ok = m.TryLock("a")
	assert.False(t, ok)

	unlock()
	unlock2, ok := m.TryLock("a")
	require.True(t, ok)
	unlock2()
}

func TestMap_NeverPruned(t *testing.T) {
	m := New[int]()
	for i := 0; i < 100; i++ {
		m.Lock(i)()
	}
	assert.Equal(t, 100, m.Len())
}
