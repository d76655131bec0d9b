package session

import (
	"sync"
	"testing"
)

func TestNewRegistry(t *testing.T) {
	r := NewRegistry(10, 10)
	if got := r.Len(); got != 0 {
		t.Errorf("new registry has %d sessions, want 0", got)
	}
	if got := r.ActiveCount(); got != 0 {
		t.Errorf("new registry ActiveCount() = %d, want 0", got)
	}
}

func TestCreateAssignsMonotonicIDs(t *testing.T) {
	r := NewRegistry(10, 10)
	a := r.Create("app")
	b := r.Create("app")

	if a.ID() != 1 || b.ID() != 2 {
		t.Fatalf("ids = %v, %v, want #1, #2", a.ID(), b.ID())
	}
	if a.Phase() != Starting {
		t.Errorf("new session phase = %v, want starting", a.Phase())
	}

	r.Remove(b.ID())
	c := r.Create("app")
	if c.ID() != 3 {
		t.Errorf("id after removal = %v, want #3 (ids are never reused)", c.ID())
	}
}

func TestGetMissing(t *testing.T) {
	r := NewRegistry(10, 10)
	if s, ok := r.Get(42); ok || s != nil {
		t.Error("Get for missing id returned a session")
	}
	if r.Exists(42) {
		t.Error("Exists(42) = true for empty registry")
	}
}

func TestRemove(t *testing.T) {
	r := NewRegistry(10, 10)
	s := r.Create("app")

	if !r.Remove(s.ID()) {
		t.Error("first Remove returned false")
	}
	if r.Remove(s.ID()) {
		t.Error("second Remove returned true")
	}
	if r.Exists(s.ID()) {
		t.Error("session still exists after Remove")
	}
}

func TestAllIsOrdered(t *testing.T) {
	r := NewRegistry(10, 10)
	for i := 0; i < 5; i++ {
		r.Create("app")
	}

	ids := r.IDs()
	for i := 1; i < len(ids); i++ {
		if ids[i-1] >= ids[i] {
			t.Fatalf("IDs() not ordered: %v", ids)
		}
	}
}

func TestActiveCount(t *testing.T) {
	r := NewRegistry(10, 10)
	r.Create("a")
	stopped := r.Create("b")
	code := 0
	stopped.HandleExit(&code)

	if got := r.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount() = %d, want 1", got)
	}
}

func TestConcurrentCreate(t *testing.T) {
	r := NewRegistry(10, 10)
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[ID]bool)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := r.Create("app").ID()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != 50 {
		t.Errorf("got %d distinct ids from 50 creates", len(seen))
	}
	if r.Len() != 50 {
		t.Errorf("Len() = %d, want 50", r.Len())
	}
}
