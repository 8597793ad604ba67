// Package stats runs the periodic stats collector (§4.9): every cycle,
// scrape every started stream's stat_url with bounded concurrency and
// append the parsed sample to the State Store. Grounded on
// app/services/collector.py's gather-based fan-out, rendered with
// golang.org/x/sync/errgroup the way a bounded per-container goroutine
// fan-out would be built over a context.WithTimeout.
package stats

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/krinkuto11/aceorchestrator/internal/metrics"
	"github.com/krinkuto11/aceorchestrator/internal/model"
	"github.com/krinkuto11/aceorchestrator/internal/store"
)

const scrapeTimeout = 3 * time.Second

// StreamLister is the subset of *store.Store the collector needs, so
// tests can substitute a stub if they ever want to avoid a real store.
type StreamLister interface {
	ListStreams(status model.StreamStatus, containerID string) []*model.Stream
	AppendStat(ctx context.Context, streamID string, sample model.StatSample) error
}

// Collector periodically scrapes every started stream's stat_url.
type Collector struct {
	store    StreamLister
	interval time.Duration
	client   *http.Client

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Collector that scrapes every interval.
func New(st *store.Store, interval time.Duration) *Collector {
	return &Collector{
		store:    st,
		interval: interval,
		client:   &http.Client{Timeout: scrapeTimeout},
	}
}

// Start launches the background scrape loop. Calling Start twice without
// an intervening Stop is a no-op.
func (c *Collector) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx)
}

// Stop signals the loop to exit and waits for the in-flight cycle to
// return, bounded by one scrape interval.
func (c *Collector) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Collector) run(ctx context.Context) {
	defer close(c.done)
	for {
		c.cycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.interval):
		}
	}
}

// cycle runs exactly one scrape pass over every started stream.
func (c *Collector) cycle(ctx context.Context) {
	streams := c.store.ListStreams(model.StatusStarted, "")
	if len(streams) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(streams))
	for _, s := range streams {
		s := s
		g.Go(func() error {
			c.collectOne(gctx, s.ID, s.StatURL)
			return nil
		})
	}
	_ = g.Wait()
}

type scrapePayload struct {
	Response struct {
		Peers      *int    `json:"peers"`
		SpeedDown  *int64  `json:"speed_down"`
		SpeedUp    *int64  `json:"speed_up"`
		Downloaded *int64  `json:"downloaded"`
		Uploaded   *int64  `json:"uploaded"`
		Status     *string `json:"status"`
	} `json:"response"`
}

func (c *Collector) collectOne(ctx context.Context, streamID, url string) {
	reqCtx, cancel := context.WithTimeout(ctx, scrapeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		metrics.IncCollectorError()
		return
	}

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.IncCollectorError()
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		metrics.IncCollectorError()
		return
	}

	var payload scrapePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		metrics.IncCollectorError()
		return
	}

	sample := model.StatSample{
		TS:         time.Now().UTC(),
		Peers:      payload.Response.Peers,
		SpeedDown:  payload.Response.SpeedDown,
		SpeedUp:    payload.Response.SpeedUp,
		Downloaded: payload.Response.Downloaded,
		Uploaded:   payload.Response.Uploaded,
		Status:     payload.Response.Status,
	}
	if err := c.store.AppendStat(ctx, streamID, sample); err != nil {
		logrus.WithError(err).WithField("stream_id", streamID).Warn("failed to persist stat sample")
	}
}
