package runtime

import (
	"context"
	"testing"

	"github.com/krinkuto11/aceorchestrator/internal/apperr"
)

func TestFakeAdapterCreateAndInspect(t *testing.T) {
	f := NewFakeAdapter()
	ctx := context.Background()

	created, err := f.CreateAndStart(ctx, Spec{Name: "engine-1", Image: "acestream/engine:latest"})
	if err != nil {
		t.Fatalf("CreateAndStart: %v", err)
	}
	if created.Status != StatusRunning {
		t.Errorf("status = %q, want running", created.Status)
	}

	view, err := f.Inspect(ctx, created.ID)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if view.Name != "engine-1" {
		t.Errorf("name = %q", view.Name)
	}
}

func TestFakeAdapterInspectNotFound(t *testing.T) {
	f := NewFakeAdapter()
	_, err := f.Inspect(context.Background(), "missing")
	if !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestFakeAdapterListByLabel(t *testing.T) {
	f := NewFakeAdapter()
	ctx := context.Background()
	f.CreateAndStart(ctx, Spec{Name: "a", Labels: map[string]string{"owner": "svc"}})
	f.CreateAndStart(ctx, Spec{Name: "b", Labels: map[string]string{"owner": "other"}})

	views, err := f.ListByLabel(ctx, "owner", "svc")
	if err != nil {
		t.Fatalf("ListByLabel: %v", err)
	}
	if len(views) != 1 || views[0].Name != "a" {
		t.Fatalf("unexpected result: %+v", views)
	}
}

func TestFakeAdapterStopAndRemove(t *testing.T) {
	f := NewFakeAdapter()
	ctx := context.Background()
	created, _ := f.CreateAndStart(ctx, Spec{Name: "a"})

	if err := f.Stop(ctx, created.ID, 10); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	view, _ := f.Inspect(ctx, created.ID)
	if view.Status != StatusExited {
		t.Errorf("status = %q after stop", view.Status)
	}

	if err := f.Remove(ctx, created.ID, true); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := f.Inspect(ctx, created.ID); !apperr.Is(err, apperr.NotFound) {
		t.Errorf("expected NotFound after remove, got %v", err)
	}
}
