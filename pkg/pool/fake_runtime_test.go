package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/agentpool/pkg/runtime"
)

// fakeRuntime is an in-memory runtime.Runtime good enough to exercise the
// pool manager without a live containerd socket.
type fakeRuntime struct {
	mu         sync.Mutex
	available  bool
	containers map[string]*fakeContainer

	failCreate map[string]bool
	failStart  map[string]bool
}

type fakeContainer struct {
	running bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		available:  true,
		containers: make(map[string]*fakeContainer),
		failCreate: make(map[string]bool),
		failStart:  make(map[string]bool),
	}
}

func (f *fakeRuntime) Available(ctx context.Context) bool { return f.available }

func (f *fakeRuntime) ImageExists(ctx context.Context, image string) (bool, error) { return true, nil }
func (f *fakeRuntime) PullImage(ctx context.Context, image string) error           { return nil }
func (f *fakeRuntime) EnsureImage(ctx context.Context, image string) error         { return nil }

func (f *fakeRuntime) Create(ctx context.Context, args runtime.CreateArgs) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate[args.Name] {
		return "", fmt.Errorf("fake: create %s failed", args.Name)
	}
	f.containers[args.Name] = &fakeContainer{running: false}
	return args.Name, nil
}

func (f *fakeRuntime) Start(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart[name] {
		return fmt.Errorf("fake: start %s failed", name)
	}
	c, ok := f.containers[name]
	if !ok {
		return fmt.Errorf("fake: start %s: no such container", name)
	}
	c.running = true
	return nil
}

func (f *fakeRuntime) Stop(ctx context.Context, name string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[name]; ok {
		c.running = false
	}
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, name string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, name)
	return nil
}

func (f *fakeRuntime) InspectState(ctx context.Context, name string) (runtime.InspectResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return runtime.InspectResult{Exists: false}, nil
	}
	return runtime.InspectResult{Exists: true, Running: c.running}, nil
}

func (f *fakeRuntime) InspectLabels(ctx context.Context, name string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (f *fakeRuntime) List(ctx context.Context, labelFilter map[string]string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.containers))
	for name := range f.containers {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeRuntime) ExecInContainer(ctx context.Context, name string, argv []string, timeout time.Duration) (runtime.ExecResult, error) {
	return runtime.ExecResult{}, nil
}

func (f *fakeRuntime) Logs(ctx context.Context, name string, tailLines int, since time.Time) (string, error) {
	return "", nil
}

var _ runtime.Runtime = (*fakeRuntime)(nil)
