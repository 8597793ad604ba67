package events

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/krinkuto11/aceorchestrator/internal/config"
	"github.com/krinkuto11/aceorchestrator/internal/model"
	"github.com/krinkuto11/aceorchestrator/internal/provision"
	"github.com/krinkuto11/aceorchestrator/internal/runtime"
)

const maxAutoDeleteAttempts = 3

// autoDelete implements the auto-delete fallback (§4.10): try stopping the
// stream's recorded container first, falling back to a label scan when
// that fails, making up to maxAutoDeleteAttempts attempts with an i+1
// second backoff between attempts. The first attempt fires immediately;
// only the retries that follow a failed attempt wait. It never returns an
// error: callers run it detached and cannot act on a failure.
func autoDelete(ctx context.Context, cfg *config.Config, rt runtime.Adapter, pv *provision.Provisioner, st *model.Stream) {
	for attempt := 0; attempt < maxAutoDeleteAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		if tryStop(ctx, cfg, rt, pv, st) {
			return
		}
	}
	logrus.WithField("stream_id", st.ID).Warn("auto_delete: exhausted all attempts, giving up")
}

func tryStop(ctx context.Context, cfg *config.Config, rt runtime.Adapter, pv *provision.Provisioner, st *model.Stream) bool {
	if st.ContainerID != "" {
		if err := pv.Stop(ctx, st.ContainerID); err == nil {
			return true
		}
	}

	managed, err := rt.ListByLabel(ctx, cfg.ContainerLabelKey, cfg.ContainerLabelValue)
	if err != nil {
		return false
	}

	statPort := portFromURL(st.StatURL)
	for _, c := range managed {
		if c.Labels["stream_id"] != st.ID && !(statPort != 0 && labelPort(c.Labels["host.http_port"]) == statPort) {
			continue
		}
		if err := pv.Stop(ctx, c.ID); err == nil {
			return true
		}
	}
	return false
}

func portFromURL(raw string) int {
	u, err := url.Parse(raw)
	if err != nil {
		return 0
	}
	p, err := strconv.Atoi(u.Port())
	if err != nil {
		return 0
	}
	return p
}

func labelPort(v string) int {
	p, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return p
}
