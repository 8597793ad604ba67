package reindex

import (
	"context"
	"testing"

	"github.com/krinkuto11/aceorchestrator/internal/config"
	"github.com/krinkuto11/aceorchestrator/internal/model"
	"github.com/krinkuto11/aceorchestrator/internal/ports"
	"github.com/krinkuto11/aceorchestrator/internal/runtime"
	"github.com/krinkuto11/aceorchestrator/internal/store"
)

func streamStartedFor(containerID string) model.StreamStartedEvent {
	return model.StreamStartedEvent{
		ContainerID: containerID,
		Engine:      model.EngineAddress{Host: "10.0.0.5", Port: 40000},
		Stream:      model.StreamKey{KeyType: model.KeyContentID, Key: "abc"},
		Session:     model.SessionInfo{PlaybackSessionID: "p1"},
	}
}

func newHarness(t *testing.T) (*Reindexer, *runtime.FakeAdapter, *ports.Allocator, *store.Store) {
	t.Helper()
	cfg := &config.Config{
		ContainerLabelKey:   "ondemand.app",
		ContainerLabelValue: "myservice",
		PortRangeHost:       "19000-19999",
		AceHTTPRange:        "40000-44999",
		AceHTTPSRange:       "45000-49999",
	}
	rt := runtime.NewFakeAdapter()
	pa := ports.New(cfg)

	db, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st := store.New(db, 10)

	return New(cfg, rt, pa, st), rt, pa, st
}

func seedManaged(rt *runtime.FakeAdapter, id, hostHTTP, aceHTTP, aceHTTPS string) {
	rt.SeedContainer(runtime.ContainerView{
		ID:     id,
		Name:   id,
		Status: runtime.StatusRunning,
		Labels: map[string]string{
			"ondemand.app":         "myservice",
			"host.http_port":       hostHTTP,
			"acestream.http_port":  aceHTTP,
			"acestream.https_port": aceHTTPS,
		},
	})
}

func TestReindexReReservesPortsAndSynthesisesEngines(t *testing.T) {
	r, rt, pa, st := newHarness(t)
	seedManaged(rt, "c1", "19000", "40000", "45000")
	seedManaged(rt, "c2", "19001", "40001", "45001")

	if err := r.Reindex(context.Background()); err != nil {
		t.Fatalf("Reindex: %v", err)
	}

	usedHost := pa.Used(ports.Host)
	if len(usedHost) != 2 {
		t.Fatalf("expected 2 host ports reserved, got %v", usedHost)
	}
	if _, ok := usedHost[19000]; !ok {
		t.Errorf("expected 19000 reserved, got %v", usedHost)
	}
	usedHTTP := pa.Used(ports.HTTP)
	if _, ok := usedHTTP[40000]; !ok {
		t.Errorf("expected 40000 reserved, got %v", usedHTTP)
	}
	usedHTTPS := pa.Used(ports.HTTPS)
	if _, ok := usedHTTPS[45000]; !ok {
		t.Errorf("expected 45000 reserved, got %v", usedHTTPS)
	}

	eng := st.GetEngine("c1")
	if eng == nil {
		t.Fatal("expected engine c1 synthesised")
	}
	if eng.Port != 19000 || eng.Host != "127.0.0.1" {
		t.Errorf("unexpected engine: %+v", eng)
	}
}

func TestReindexRecoversHostPortFromNetworkSettingsWhenLabelMissing(t *testing.T) {
	r, rt, _, st := newHarness(t)
	rt.SeedContainer(runtime.ContainerView{
		ID:     "c1",
		Name:   "c1",
		Status: runtime.StatusRunning,
		Labels: map[string]string{
			"ondemand.app":        "myservice",
			"acestream.http_port": "40000",
		},
		Ports: map[string]int{"40000/tcp": 19005},
	})

	if err := r.Reindex(context.Background()); err != nil {
		t.Fatalf("Reindex: %v", err)
	}

	eng := st.GetEngine("c1")
	if eng == nil {
		t.Fatal("expected engine c1 synthesised")
	}
	if eng.Port != 19005 {
		t.Errorf("expected recovered port 19005, got %d", eng.Port)
	}
}

func TestReindexIsIdempotent(t *testing.T) {
	r, rt, pa, st := newHarness(t)
	seedManaged(rt, "c1", "19000", "40000", "45000")

	if err := r.Reindex(context.Background()); err != nil {
		t.Fatalf("Reindex 1: %v", err)
	}
	firstHost := pa.Used(ports.Host)
	firstEngines := len(st.ListEngines())

	if err := r.Reindex(context.Background()); err != nil {
		t.Fatalf("Reindex 2: %v", err)
	}
	secondHost := pa.Used(ports.Host)
	secondEngines := len(st.ListEngines())

	if len(firstHost) != len(secondHost) {
		t.Errorf("reindex not idempotent on allocator: %v vs %v", firstHost, secondHost)
	}
	if firstEngines != secondEngines {
		t.Errorf("reindex not idempotent on engine count: %d vs %d", firstEngines, secondEngines)
	}
}

func TestReindexSkipsAlreadyKnownEngine(t *testing.T) {
	r, rt, _, st := newHarness(t)
	seedManaged(rt, "c1", "19000", "40000", "45000")

	st.OnStreamStarted(context.Background(), streamStartedFor("c1"))

	if err := r.Reindex(context.Background()); err != nil {
		t.Fatalf("Reindex: %v", err)
	}

	eng := st.GetEngine("c1")
	if eng.Host != "10.0.0.5" {
		t.Errorf("reindex should not overwrite an existing engine, got host=%q", eng.Host)
	}
}
