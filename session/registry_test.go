package session

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestRegistryGetOrCreateConverges(t *testing.T) {
	r := NewRegistry()

	var built int32
	const callers = 20
	results := make([]*Session, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, _ := r.GetOrCreate("alice", func() *Session {
				atomic.AddInt32(&built, 1)
				return &Session{ID: "alice"}
			})
			results[i] = s
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&built); got != 1 {
		t.Fatalf("build ran %d times, want 1", got)
	}
	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different session instance", i)
		}
	}
	if r.Len() != 1 {
		t.Fatalf("registry has %d sessions, want 1", r.Len())
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	r.GetOrCreate("alice", func() *Session { return &Session{ID: "alice"} })

	r.Remove("alice")
	if _, ok := r.Get("alice"); ok {
		t.Fatal("session still present after remove")
	}
	if r.Len() != 0 {
		t.Fatalf("registry has %d sessions, want 0", r.Len())
	}

	// Removing an unknown id is a no-op.
	r.Remove("ghost")
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"alice", "bob"} {
		id := id
		r.GetOrCreate(id, func() *Session { return &Session{ID: id} })
	}

	seen := map[string]bool{}
	for _, s := range r.List() {
		seen[s.ID] = true
	}
	if len(seen) != 2 || !seen["alice"] || !seen["bob"] {
		t.Fatalf("unexpected listing: %v", seen)
	}
}
