package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/agent-racer/pitwall/internal/session"
)

// ErrUnknownSession is returned for actions naming a session that does not
// exist or is being torn down.
var ErrUnknownSession = errors.New("unknown session")

// Task is one background goroutine started on a session's behalf.
type Task struct {
	name   string
	key    string // registry key, guarded by TaskRegistry.mu
	cancel context.CancelFunc
	done   chan struct{}

	stopOnce sync.Once
	stop     chan struct{}
}

func (t *Task) Name() string {
	return t.name
}

// Done is closed after the task has returned and left the registry.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Stop closes the task's own stop channel. Only polling loops watch it;
// it does not affect the rest of the session.
func (t *Task) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// family is every task of one session plus the handles they share. ctx is
// cancelled to end them all. dir is the launch's working directory.
type family struct {
	ctx     context.Context
	cancel  context.CancelFunc
	proc    Process
	dir     string
	rt      RealtimeConn
	tasks   map[string]*Task
	closing bool
}

// TaskRegistry tracks the tasks of every session. The lock is held only to
// read or update the maps.
type TaskRegistry struct {
	mu       sync.Mutex
	families map[session.ID]*family
	seq      uint64
}

func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{families: make(map[session.ID]*family)}
}

// open registers a session whose tasks run under a child of parent.
func (r *TaskRegistry) open(parent context.Context, id session.ID, proc Process, dir string) (*family, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.families[id]; ok {
		return nil, fmt.Errorf("session %v already has tasks", id)
	}
	ctx, cancel := context.WithCancel(parent)
	f := &family{ctx: ctx, cancel: cancel, proc: proc, dir: dir, tasks: make(map[string]*Task)}
	r.families[id] = f
	return f, nil
}

// add registers a task. Unique names replace nothing: the caller retires
// any previous holder first. Non-unique names get a sequence suffix.
func (r *TaskRegistry) add(id session.ID, name string, unique bool) (*Task, context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.families[id]
	if !ok || (f.closing && name != teardownTask) {
		return nil, nil, ErrUnknownSession
	}
	if !unique {
		r.seq++
		name = fmt.Sprintf("%s#%d", name, r.seq)
	}
	if _, exists := f.tasks[name]; exists {
		return nil, nil, fmt.Errorf("task %s already running for session %v", name, id)
	}

	ctx, cancel := context.WithCancel(f.ctx)
	t := &Task{name: name, key: name, cancel: cancel, done: make(chan struct{}), stop: make(chan struct{})}
	f.tasks[name] = t
	return t, ctx, nil
}

func (r *TaskRegistry) remove(id session.ID, t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.families[id]; ok && f.tasks[t.key] == t {
		delete(f.tasks, t.key)
	}
}

// retire frees the name of a running task so a replacement can take it.
// The old task stays registered under a retired key until it returns, so
// teardown and AwaitAll still wait for it. The caller stops the old one.
func (r *TaskRegistry) retire(id session.ID, name string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[id]
	if !ok {
		return nil, false
	}
	t, ok := f.tasks[name]
	if !ok {
		return nil, false
	}
	r.seq++
	delete(f.tasks, name)
	t.key = fmt.Sprintf("%s~retired#%d", name, r.seq)
	f.tasks[t.key] = t
	return t, true
}

func (r *TaskRegistry) lookup(id session.ID, name string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[id]
	if !ok {
		return nil, false
	}
	t, ok := f.tasks[name]
	return t, ok
}

func (r *TaskRegistry) process(id session.ID) (Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[id]
	if !ok {
		return nil, false
	}
	return f.proc, true
}

func (r *TaskRegistry) workDir(id session.ID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.families[id]; ok {
		return f.dir
	}
	return ""
}

func (r *TaskRegistry) setRealtime(id session.ID, rt RealtimeConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.families[id]; ok {
		f.rt = rt
	}
}

// clearRealtime forgets rt if it is still the session's connection.
func (r *TaskRegistry) clearRealtime(id session.ID, rt RealtimeConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.families[id]; ok && f.rt == rt {
		f.rt = nil
	}
}

func (r *TaskRegistry) realtime(id session.ID) (RealtimeConn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[id]
	if !ok || f.rt == nil {
		return nil, false
	}
	return f.rt, true
}

// beginClose marks the family closing, cancels it and returns its tasks.
// No new tasks are accepted afterwards.
func (r *TaskRegistry) beginClose(id session.ID) ([]*Task, bool) {
	r.mu.Lock()
	f, ok := r.families[id]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	f.closing = true
	tasks := make([]*Task, 0, len(f.tasks))
	for name, t := range f.tasks {
		if name != teardownTask {
			tasks = append(tasks, t)
		}
	}
	cancel := f.cancel
	r.mu.Unlock()

	cancel()
	return tasks, true
}

// cancel ends every task of the family but keeps it registered.
func (r *TaskRegistry) cancel(id session.ID) {
	r.mu.Lock()
	f, ok := r.families[id]
	r.mu.Unlock()
	if ok {
		f.cancel()
	}
}

// close drops the family.
func (r *TaskRegistry) close(id session.ID) {
	r.mu.Lock()
	f, ok := r.families[id]
	delete(r.families, id)
	r.mu.Unlock()
	if ok {
		f.cancel()
	}
}

// Tasks returns the running tasks of a session.
func (r *TaskRegistry) Tasks(id session.ID) []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[id]
	if !ok {
		return nil
	}
	out := make([]*Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out
}

// TaskNames returns the sorted names of a session's running tasks.
// Retired tasks that have not returned yet carry a ~retired suffix.
func (r *TaskRegistry) TaskNames(id session.ID) []string {
	r.mu.Lock()
	f, ok := r.families[id]
	var names []string
	if ok {
		names = make([]string, 0, len(f.tasks))
		for key := range f.tasks {
			names = append(names, key)
		}
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

// Sessions returns every session with registered tasks.
func (r *TaskRegistry) Sessions() []session.ID {
	r.mu.Lock()
	ids := make([]session.ID, 0, len(r.families))
	for id := range r.families {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *TaskRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.families)
}
