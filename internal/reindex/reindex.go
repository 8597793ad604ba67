// Package reindex reconciles the Port Allocator and State Store against
// whatever managed containers the runtime already has at boot (§4.8),
// recovering from a crash or restart without losing track of ports or
// engines. Grounded on app/services/reindex.py's reindex_existing.
package reindex

import (
	"context"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/krinkuto11/aceorchestrator/internal/config"
	"github.com/krinkuto11/aceorchestrator/internal/model"
	"github.com/krinkuto11/aceorchestrator/internal/ports"
	"github.com/krinkuto11/aceorchestrator/internal/runtime"
	"github.com/krinkuto11/aceorchestrator/internal/store"
)

const (
	labelAceHTTP   = "acestream.http_port"
	labelAceHTTPS  = "acestream.https_port"
	labelHostHTTP  = "host.http_port"
	labelHostHTTPS = "host.https_port"
)

// Reindexer reconciles live runtime state into the allocator and store.
type Reindexer struct {
	cfg *config.Config
	rt  runtime.Adapter
	pa  *ports.Allocator
	st  *store.Store
}

// New builds a Reindexer.
func New(cfg *config.Config, rt runtime.Adapter, pa *ports.Allocator, st *store.Store) *Reindexer {
	return &Reindexer{cfg: cfg, rt: rt, pa: pa, st: st}
}

// Reindex walks every managed container and re-reserves its ports and,
// if the State Store does not yet know about it, synthesises an Engine.
// Idempotent: running it twice leaves the allocator and state unchanged.
func (r *Reindexer) Reindex(ctx context.Context) error {
	managed, err := r.rt.ListByLabel(ctx, r.cfg.ContainerLabelKey, r.cfg.ContainerLabelValue)
	if err != nil {
		return err
	}

	for _, c := range managed {
		r.reservePorts(c.Labels)

		if r.st.EngineExists(c.ID) {
			continue
		}

		host := "127.0.0.1"
		port := 0
		if v, ok := c.Labels[labelHostHTTP]; ok {
			if p, err := strconv.Atoi(v); err == nil {
				port = p
			}
		}
		if port == 0 && c.Status == runtime.StatusRunning {
			if recovered, ok := recoverHostPort(c); ok {
				port = recovered
			}
		}

		now := time.Now().UTC()
		r.st.PutEngine(&model.Engine{
			EngineKey:     c.ID,
			ContainerID:   c.ID,
			ContainerName: c.Name,
			Host:          host,
			Port:          port,
			Labels:        cloneLabels(c.Labels),
			FirstSeen:     now,
			LastSeen:      now,
		})
	}
	return nil
}

func (r *Reindexer) reservePorts(labels map[string]string) {
	for label, rng := range map[string]ports.Range{
		labelAceHTTP:   ports.HTTP,
		labelAceHTTPS:  ports.HTTPS,
		labelHostHTTP:  ports.Host,
		labelHostHTTPS: ports.Host,
	} {
		v, ok := labels[label]
		if !ok {
			continue
		}
		p, err := strconv.Atoi(v)
		if err != nil {
			logrus.WithField("label", label).WithField("value", v).Debug("reindex: ignoring unparseable port label")
			continue
		}
		r.pa.Reserve(rng, p)
	}
}

// recoverHostPort reads the container-side acestream.http_port label and
// looks it up in the runtime's reported port mapping to find the host
// port it was actually published on.
func recoverHostPort(c runtime.ContainerView) (int, bool) {
	containerPort, ok := c.Labels[labelAceHTTP]
	if !ok {
		return 0, false
	}
	hostPort, ok := c.Ports[containerPort+"/tcp"]
	if !ok || hostPort == 0 {
		return 0, false
	}
	return hostPort, true
}

func cloneLabels(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
