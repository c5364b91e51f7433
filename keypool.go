package docremedy

import "sync"

// KeyPool holds the ordered set of remediation vendor API keys shared by all
// remediation jobs in the process. Keys removed for credit exhaustion are
// gone for the process lifetime; they are never re-added.
type KeyPool struct {
	mu   sync.Mutex
	keys []string
}

// NewKeyPool creates a pool from the configured key order. Empty keys are
// dropped.
func NewKeyPool(keys []string) *KeyPool {
	p := &KeyPool{}
	for _, k := range keys {
		if k != "" {
			p.keys = append(p.keys, k)
		}
	}
	return p
}

// Next returns the first available key. The second return is false when the
// pool is exhausted.
func (p *KeyPool) Next() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		return "", false
	}
	return p.keys[0], true
}

// Remove permanently drops a key from the pool. Removal is atomic with
// respect to concurrent remediation jobs; removing an already-removed key is
// a no-op.
func (p *KeyPool) Remove(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			return
		}
	}
}

// Len returns the number of keys still available.
func (p *KeyPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}
