package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/krinkuto11/aceorchestrator/internal/apperr"
)

// FakeAdapter is an in-memory Adapter used by every other package's unit
// tests, so they never need a live Docker daemon. Grounded in the
// mock-repository pattern (r3e-network-service_layer's
// infrastructure/database/mock_repository*.go) and in the habit of
// threading a *client.Client through free functions rather than a global
// singleton, which is what makes swapping it for a fake trivial.
type FakeAdapter struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	seq        int
	// FailCreate, if set, is returned verbatim from CreateAndStart.
	FailCreate error
	// StartupStatus is the status newly created containers settle into.
	// Defaults to StatusRunning; set to something else to exercise the
	// provisioner's startup-timeout path.
	StartupStatus Status
}

type fakeContainer struct {
	view ContainerView
}

// NewFakeAdapter returns an empty FakeAdapter ready for use.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{containers: map[string]*fakeContainer{}, StartupStatus: StatusRunning}
}

func (f *FakeAdapter) Ping(ctx context.Context) error { return nil }

func (f *FakeAdapter) CreateAndStart(ctx context.Context, spec Spec) (Created, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreate != nil {
		return Created{}, f.FailCreate
	}
	f.seq++
	id := fmt.Sprintf("fake-%d", f.seq)
	name := spec.Name
	if name == "" {
		name = id
	}
	ports := map[string]int{}
	for portProto, hostPort := range spec.PortBindings {
		ports[portProto] = hostPort
	}
	status := f.StartupStatus
	view := ContainerView{
		ID:      id,
		Name:    name,
		Image:   spec.Image,
		Created: "now",
		Status:  status,
		Labels:  cloneMap(spec.Labels),
		Ports:   ports,
	}
	f.containers[id] = &fakeContainer{view: view}
	return Created{ID: id, Name: name, Status: status}, nil
}

func (f *FakeAdapter) Inspect(ctx context.Context, id string) (ContainerView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return ContainerView{}, apperr.New(apperr.NotFound, "container not found: "+id)
	}
	return c.view, nil
}

func (f *FakeAdapter) ListByLabel(ctx context.Context, key, value string) ([]ContainerView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ContainerView
	for _, c := range f.containers {
		if c.view.Labels[key] == value {
			out = append(out, c.view)
		}
	}
	return out, nil
}

func (f *FakeAdapter) ListAll(ctx context.Context) ([]ContainerView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ContainerView, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, c.view)
	}
	return out, nil
}

func (f *FakeAdapter) Stop(ctx context.Context, id string, timeoutSeconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return apperr.New(apperr.NotFound, "container not found: "+id)
	}
	c.view.Status = StatusExited
	return nil
}

func (f *FakeAdapter) Remove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return apperr.New(apperr.NotFound, "container not found: "+id)
	}
	delete(f.containers, id)
	return nil
}

// SeedContainer lets a test pre-populate a container (e.g. to simulate
// containers surviving a restart, for reindexer tests) without going
// through CreateAndStart.
func (f *FakeAdapter) SeedContainer(v ContainerView) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[v.ID] = &fakeContainer{view: v}
}

// Names returns the set of container names currently tracked, for naming
// tests that must look at "what the runtime would list".
func (f *FakeAdapter) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.containers {
		out = append(out, c.view.Name)
	}
	return out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
