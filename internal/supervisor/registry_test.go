package supervisor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistryOperations(t *testing.T) {
	r := NewRegistry()
	r.Insert(Entry{ExecutionID: "b", ProjectID: "p1"})
	r.Insert(Entry{ExecutionID: "a", ProjectID: "p2"})

	require.Equal(t, 2, r.Len())
	require.Equal(t, []string{"a", "b"}, r.IDs())

	e, ok := r.Lookup("a")
	require.True(t, ok)
	require.Equal(t, "p2", e.ProjectID)

	_, ok = r.Remove("a")
	require.True(t, ok)
	_, ok = r.Remove("a")
	require.False(t, ok)
	require.Equal(t, 1, r.Len())
}

func TestRegistryRemoveHasSingleWinner(t *testing.T) {
	r := NewRegistry()
	r.Insert(Entry{ExecutionID: "x"})

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.Remove("x"); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("p1")

	acquired := make(chan struct{})
	go func() {
		release := k.Lock("p1")
		close(acquired)
		release()
	}()

	other := k.Lock("p2")
	other()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the key")
	}

	require.Eventually(t, func() bool {
		k.mu.Lock()
		defer k.mu.Unlock()
		return len(k.locks) == 0
	}, time.Second, 5*time.Millisecond)
}
