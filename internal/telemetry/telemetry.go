// Package telemetry samples resource usage of a supervised session: OS
// figures for its process tree and heap figures from the realtime service.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/agent-racer/pitwall/internal/realtime"
	"github.com/agent-racer/pitwall/internal/session"
)

// ProcessSampler reports CPU and RSS summed over a process and its
// descendants. CPU is measured between consecutive samples of the same
// tree, so the first sample of a process reports 0%.
//
// Handles are cached per root pid. One sampler may serve many sessions.
type ProcessSampler struct {
	mu    sync.Mutex
	trees map[int32]*procTree
}

// procTree holds the handles of one root and its descendants. mu is held
// for a whole walk.
type procTree struct {
	mu    sync.Mutex
	procs map[int32]*process.Process
}

func NewProcessSampler() *ProcessSampler {
	return &ProcessSampler{trees: make(map[int32]*procTree)}
}

func (s *ProcessSampler) Sample(ctx context.Context, pid int) (session.Sample, error) {
	tree := s.tree(int32(pid))
	tree.mu.Lock()
	defer tree.mu.Unlock()

	root, err := tree.lookup(ctx, int32(pid))
	if err != nil {
		s.Forget(pid)
		return session.Sample{}, fmt.Errorf("process %d: %w", pid, err)
	}

	sample := session.Sample{Time: time.Now()}
	seen := make(map[int32]bool)
	var walk func(p *process.Process)
	walk = func(p *process.Process) {
		if seen[p.Pid] {
			return
		}
		seen[p.Pid] = true

		if cpu, err := p.PercentWithContext(ctx, 0); err == nil {
			sample.CPUPercent += cpu
		}
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
			sample.RSS += mem.RSS
		}
		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			return
		}
		for _, c := range children {
			if cached, err := tree.lookup(ctx, c.Pid); err == nil {
				walk(cached)
			}
		}
	}
	walk(root)

	for pid := range tree.procs {
		if !seen[pid] {
			delete(tree.procs, pid)
		}
	}
	return sample, nil
}

// Forget drops the cached handles of the tree rooted at pid.
func (s *ProcessSampler) Forget(pid int) {
	s.mu.Lock()
	delete(s.trees, int32(pid))
	s.mu.Unlock()
}

func (s *ProcessSampler) tree(root int32) *procTree {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trees[root]
	if !ok {
		t = &procTree{procs: make(map[int32]*process.Process)}
		s.trees[root] = t
	}
	return t
}

func (t *procTree) lookup(ctx context.Context, pid int32) (*process.Process, error) {
	if p, ok := t.procs[pid]; ok {
		return p, nil
	}
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, err
	}
	t.procs[pid] = p
	return p, nil
}

// MemoryClient is the subset of the realtime client used for heap samples.
type MemoryClient interface {
	GetVM(ctx context.Context) (realtime.VM, error)
	GetMemoryUsage(ctx context.Context, isolateID string) (realtime.MemoryUsage, error)
}

// SampleHeap sums heap usage over every isolate in the VM.
func SampleHeap(ctx context.Context, c MemoryClient) (session.Sample, error) {
	vm, err := c.GetVM(ctx)
	if err != nil {
		return session.Sample{}, err
	}
	if len(vm.Isolates) == 0 {
		return session.Sample{}, errors.New("vm has no isolates")
	}

	sample := session.Sample{Time: time.Now()}
	for _, iso := range vm.Isolates {
		mem, err := c.GetMemoryUsage(ctx, iso.ID)
		if err != nil {
			return session.Sample{}, fmt.Errorf("isolate %s: %w", iso.ID, err)
		}
		sample.HeapUsage += mem.HeapUsage
		sample.HeapCapacity += mem.HeapCapacity
	}
	return sample, nil
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
