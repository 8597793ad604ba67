// Package autoscale enforces the replica floor and ceiling (§4.7):
// ensure_minimum at boot, scale_to on demand, both sequential and
// continue-on-error the way app/services/autoscaler.py logs and moves on
// rather than aborting a batch because one container misbehaved.
package autoscale

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/krinkuto11/aceorchestrator/internal/config"
	"github.com/krinkuto11/aceorchestrator/internal/provision"
	"github.com/krinkuto11/aceorchestrator/internal/runtime"
)

// Autoscaler keeps the population of managed AceStream engines between
// MIN_REPLICAS and MAX_REPLICAS.
type Autoscaler struct {
	cfg *config.Config
	rt  runtime.Adapter
	pv  *provision.Provisioner
}

// New builds an Autoscaler.
func New(cfg *config.Config, rt runtime.Adapter, pv *provision.Provisioner) *Autoscaler {
	return &Autoscaler{cfg: cfg, rt: rt, pv: pv}
}

// EnsureMinimum starts engines until the running, managed population meets
// MIN_REPLICAS. Each start failure is logged and does not abort the loop.
func (a *Autoscaler) EnsureMinimum(ctx context.Context) error {
	running, err := a.runningManaged(ctx)
	if err != nil {
		return err
	}
	deficit := a.cfg.MinReplicas - len(running)
	for i := 0; i < deficit; i++ {
		if _, err := a.pv.ProvisionAceStream(ctx, provision.AceRequest{}); err != nil {
			logrus.WithError(err).Warn("ensure_minimum: failed to start replica, continuing")
		}
	}
	return nil
}

// ScaleTo adjusts the running, managed population toward
// clamp(demand, MIN_REPLICAS, MAX_REPLICAS).
func (a *Autoscaler) ScaleTo(ctx context.Context, demand int) error {
	desired := clamp(demand, a.cfg.MinReplicas, a.cfg.MaxReplicas)

	running, err := a.runningManaged(ctx)
	if err != nil {
		return err
	}

	if len(running) < desired {
		delta := desired - len(running)
		for i := 0; i < delta; i++ {
			if _, err := a.pv.ProvisionAceStream(ctx, provision.AceRequest{}); err != nil {
				logrus.WithError(err).Warn("scale_to: failed to start replica, continuing")
			}
		}
		return nil
	}

	if len(running) > desired {
		excess := len(running) - desired
		tail := running[len(running)-excess:]
		for _, c := range tail {
			if err := a.stopWithGrace(ctx, c.ID); err != nil {
				logrus.WithError(err).WithField("container_id", c.ID).Warn("scale_to: failed to stop replica, continuing")
			}
		}
	}
	return nil
}

func (a *Autoscaler) stopWithGrace(ctx context.Context, id string) error {
	if err := a.rt.Stop(ctx, id, 5); err != nil {
		logrus.WithError(err).WithField("container_id", id).Warn("stop failed, proceeding to remove")
	}
	return a.rt.Remove(ctx, id, true)
}

func (a *Autoscaler) runningManaged(ctx context.Context) ([]runtime.ContainerView, error) {
	views, err := a.rt.ListByLabel(ctx, a.cfg.ContainerLabelKey, a.cfg.ContainerLabelValue)
	if err != nil {
		return nil, err
	}
	var running []runtime.ContainerView
	for _, v := range views {
		if v.Status == runtime.StatusRunning {
			running = append(running, v)
		}
	}
	return running, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
