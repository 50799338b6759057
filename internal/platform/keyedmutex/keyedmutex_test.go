package keyedmutex

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutex_SerializesSameKey(t *testing.T) {
	m := New()

	const iterations = 100

	counter := 0

	var wg sync.WaitGroup

	for i := 0; i < iterations; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			m.Lock("hash-a")
			counter++
			m.Unlock("hash-a")
		}()
	}

	wg.Wait()

	assert.Equal(t, iterations, counter)
}

func TestMutex_IndependentKeys(t *testing.T) {
	m := New()

	m.Lock("a")

	done := make(chan struct{})

	go func() {
		m.Lock("b")
		m.Unlock("b")
		close(done)
	}()

	<-done // key "b" must not block behind "a"

	m.Unlock("a")
}

func TestMutex_EntriesReleased(t *testing.T) {
	m := New()

	m.Lock("a")
	m.Unlock("a")

	m.mu.Lock()
	defer m.mu.Unlock()

	require.Empty(t, m.entries)
}

func TestMutex_UnlockUnheldPanics(t *testing.T) {
	m := New()

	assert.Panics(t, func() { m.Unlock("never-locked") })
}
