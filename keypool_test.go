package docremedy

import (
	"sync"
	"testing"
)

func TestKeyPool_NextReturnsFirst(t *testing.T) {
	t.Parallel()

	pool := NewKeyPool([]string{"k1", "k2", "k3"})

	key, ok := pool.Next()
	if !ok || key != "k1" {
		t.Errorf("Next() = %q, %v, want %q, true", key, ok, "k1")
	}

	// Next without Remove keeps returning the same head.
	key, ok = pool.Next()
	if !ok || key != "k1" {
		t.Errorf("Next() = %q, %v, want %q, true", key, ok, "k1")
	}
}

func TestKeyPool_RemoveIsPermanent(t *testing.T) {
	t.Parallel()

	pool := NewKeyPool([]string{"k1", "k2"})

	pool.Remove("k1")

	key, ok := pool.Next()
	if !ok || key != "k2" {
		t.Errorf("Next() after Remove = %q, %v, want %q, true", key, ok, "k2")
	}
	if pool.Len() != 1 {
		t.Errorf("Len() = %d, want 1", pool.Len())
	}

	// Removing an already-removed key is a no-op.
	pool.Remove("k1")
	if pool.Len() != 1 {
		t.Errorf("Len() after duplicate Remove = %d, want 1", pool.Len())
	}
}

func TestKeyPool_Exhaustion(t *testing.T) {
	t.Parallel()

	pool := NewKeyPool([]string{"only"})
	pool.Remove("only")

	if _, ok := pool.Next(); ok {
		t.Error("Next() on an exhausted pool should report false")
	}
}

func TestKeyPool_DropsEmptyKeys(t *testing.T) {
	t.Parallel()

	pool := NewKeyPool([]string{"", "k1", ""})
	if pool.Len() != 1 {
		t.Errorf("Len() = %d, want 1", pool.Len())
	}
}

func TestKeyPool_ConcurrentRemove(t *testing.T) {
	t.Parallel()

	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	pool := NewKeyPool(keys)

	var wg sync.WaitGroup
	for _, k := range keys {
		k := k
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Remove(k)
		}()
	}
	wg.Wait()

	if pool.Len() != 0 {
		t.Errorf("Len() after concurrent removal = %d, want 0", pool.Len())
	}
}
