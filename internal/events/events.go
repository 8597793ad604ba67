// Package events wires the stream_started/stream_ended webhook payloads
// into the State Store and metrics, and runs the optional auto-delete
// workflow (§4.10).
package events

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/krinkuto11/aceorchestrator/internal/config"
	"github.com/krinkuto11/aceorchestrator/internal/metrics"
	"github.com/krinkuto11/aceorchestrator/internal/model"
	"github.com/krinkuto11/aceorchestrator/internal/provision"
	"github.com/krinkuto11/aceorchestrator/internal/runtime"
	"github.com/krinkuto11/aceorchestrator/internal/store"
)

// Handlers binds stream lifecycle events to the store, metrics, and the
// auto-delete background workflow.
type Handlers struct {
	cfg *config.Config
	st  *store.Store
	rt  runtime.Adapter
	pv  *provision.Provisioner
}

// New builds a Handlers.
func New(cfg *config.Config, st *store.Store, rt runtime.Adapter, pv *provision.Provisioner) *Handlers {
	return &Handlers{cfg: cfg, st: st, rt: rt, pv: pv}
}

// StreamStarted handles a stream_started event.
func (h *Handlers) StreamStarted(ctx context.Context, evt model.StreamStartedEvent) (*model.Stream, error) {
	st, err := h.st.OnStreamStarted(ctx, evt)
	if err != nil {
		return nil, err
	}
	metrics.IncEventsStarted()
	metrics.SetStreamsActive(len(h.st.ListStreams(model.StatusStarted, "")))
	return st, nil
}

// StreamEnded handles a stream_ended event and, if AUTO_DELETE is on and
// a stream actually ended, fires the auto-delete workflow in the
// background.
func (h *Handlers) StreamEnded(ctx context.Context, evt model.StreamEndedEvent) (*model.Stream, error) {
	st, err := h.st.OnStreamEnded(ctx, evt)
	if err != nil {
		return nil, err
	}
	metrics.IncEventsEnded()
	metrics.SetStreamsActive(len(h.st.ListStreams(model.StatusStarted, "")))

	if st != nil && h.cfg.AutoDelete {
		goSafe("auto_delete", func() {
			autoDelete(context.Background(), h.cfg, h.rt, h.pv, st)
		})
	}
	return st, nil
}

// goSafe launches fn in a detached, panic-guarded goroutine: a task that
// must never crash the process because nothing awaits its result.
func goSafe(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logrus.WithField("task", name).WithField("panic", r).Error("recovered from panic in background task")
			}
		}()
		fn()
	}()
}
