package events

import (
	"context"
	"testing"
	"time"

	"github.com/krinkuto11/aceorchestrator/internal/config"
	"github.com/krinkuto11/aceorchestrator/internal/model"
	"github.com/krinkuto11/aceorchestrator/internal/naming"
	"github.com/krinkuto11/aceorchestrator/internal/ports"
	"github.com/krinkuto11/aceorchestrator/internal/provision"
	"github.com/krinkuto11/aceorchestrator/internal/runtime"
	"github.com/krinkuto11/aceorchestrator/internal/store"
)

type emptyDB struct{}

func (emptyDB) ContainerNames(ctx context.Context) ([]string, error) { return nil, nil }

func newHarness(t *testing.T, autoDeleteOn bool) (*Handlers, *runtime.FakeAdapter, *store.Store) {
	t.Helper()
	cfg := &config.Config{
		TargetImage:         "acestream/engine:latest",
		ContainerLabelKey:   "ondemand.app",
		ContainerLabelValue: "myservice",
		StartupTimeoutS:     1,
		PortRangeHost:       "19000-19999",
		AceHTTPRange:        "40000-44999",
		AceHTTPSRange:       "45000-49999",
		AutoDelete:          autoDeleteOn,
	}
	rt := runtime.NewFakeAdapter()
	pa := ports.New(cfg)
	nm := naming.New(emptyDB{}, rt)
	pv := provision.New(cfg, rt, pa, nm)

	db, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st := store.New(db, 10)

	return New(cfg, st, rt, pv), rt, st
}

func TestStreamStartedUpdatesStoreAndMetrics(t *testing.T) {
	h, _, st := newHarness(t, false)
	stream, err := h.StreamStarted(context.Background(), model.StreamStartedEvent{
		ContainerID: "c1",
		Engine:      model.EngineAddress{Host: "h", Port: 1},
		Stream:      model.StreamKey{KeyType: model.KeyContentID, Key: "abc"},
		Session:     model.SessionInfo{PlaybackSessionID: "p1"},
	})
	if err != nil {
		t.Fatalf("StreamStarted: %v", err)
	}
	if stream.Status != model.StatusStarted {
		t.Errorf("unexpected status: %v", stream.Status)
	}
	if len(st.ListStreams(model.StatusStarted, "")) != 1 {
		t.Error("expected stream recorded as started")
	}
}

func TestStreamEndedWithoutAutoDeleteLeavesContainer(t *testing.T) {
	h, rt, _ := newHarness(t, false)
	ctx := context.Background()
	rt.SeedContainer(runtime.ContainerView{
		ID:     "c1",
		Name:   "c1",
		Status: runtime.StatusRunning,
		Labels: map[string]string{"ondemand.app": "myservice"},
	})
	h.StreamStarted(ctx, model.StreamStartedEvent{
		ContainerID: "c1", Engine: model.EngineAddress{Host: "h", Port: 1},
		Stream: model.StreamKey{KeyType: model.KeyContentID, Key: "abc"},
		Session: model.SessionInfo{PlaybackSessionID: "p1"},
	})

	stream, err := h.StreamEnded(ctx, model.StreamEndedEvent{ContainerID: "c1"})
	if err != nil {
		t.Fatalf("StreamEnded: %v", err)
	}
	if stream.Status != model.StatusEnded {
		t.Errorf("expected ended status, got %v", stream.Status)
	}

	time.Sleep(50 * time.Millisecond)
	if _, err := rt.Inspect(ctx, "c1"); err != nil {
		t.Error("expected container c1 left in place when AUTO_DELETE is off")
	}
}

func TestStreamEndedNoMatchReturnsNilWithoutError(t *testing.T) {
	h, _, _ := newHarness(t, false)
	stream, err := h.StreamEnded(context.Background(), model.StreamEndedEvent{StreamID: "nope"})
	if err != nil {
		t.Fatalf("StreamEnded: %v", err)
	}
	if stream != nil {
		t.Errorf("expected nil, got %+v", stream)
	}
}

func TestAutoDeleteFallsBackToLabelScanOnContainerIDFailure(t *testing.T) {
	cfg := &config.Config{
		ContainerLabelKey:   "ondemand.app",
		ContainerLabelValue: "myservice",
	}
	rt := runtime.NewFakeAdapter()
	rt.SeedContainer(runtime.ContainerView{
		ID:     "other",
		Name:   "other",
		Status: runtime.StatusRunning,
		Labels: map[string]string{"ondemand.app": "myservice", "stream_id": "abc|ps1"},
	})
	pa := ports.New(&config.Config{PortRangeHost: "19000-19999", AceHTTPRange: "40000-44999", AceHTTPSRange: "45000-49999"})
	nm := naming.New(emptyDB{}, rt)
	pv := provision.New(cfg, rt, pa, nm)

	st := &model.Stream{ID: "abc|ps1", ContainerID: "missing-container"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	autoDelete(ctx, cfg, rt, pv, st)

	if _, err := rt.Inspect(context.Background(), "other"); err == nil {
		t.Error("expected fallback-matched container to be stopped and removed")
	}
}

func TestAutoDeleteTriesImmediatelyThenBacksOff(t *testing.T) {
	cfg := &config.Config{
		ContainerLabelKey:   "ondemand.app",
		ContainerLabelValue: "myservice",
	}
	rt := runtime.NewFakeAdapter()
	pa := ports.New(&config.Config{PortRangeHost: "19000-19999", AceHTTPRange: "40000-44999", AceHTTPSRange: "45000-49999"})
	nm := naming.New(emptyDB{}, rt)
	pv := provision.New(cfg, rt, pa, nm)

	// No container anywhere matches, so every one of the 3 attempts
	// fails and autoDelete runs to exhaustion. The first attempt must
	// fire immediately; only the 2 retries that follow sleep, 1s then
	// 2s, for a total of ~3s -- not ~6s, which is what sleeping before
	// every attempt (including the first) would produce.
	st := &model.Stream{ID: "nope", ContainerID: "missing-container"}

	start := time.Now()
	autoDelete(context.Background(), cfg, rt, pv, st)
	elapsed := time.Since(start)

	if elapsed < 2500*time.Millisecond || elapsed > 4500*time.Millisecond {
		t.Errorf("elapsed = %s, want ~3s (first attempt immediate, then 1s+2s backoff)", elapsed)
	}
}
