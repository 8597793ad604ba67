package store

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/krinkuto11/aceorchestrator/internal/model"
)

// nowFunc is overridable in tests; production code always uses time.Now.
var nowFunc = func() time.Time { return time.Now().UTC() }

// Store is the authoritative in-memory index of engines and streams
// (§4.5), guarded by one sync.RWMutex covering all three maps -- the Go
// rendering of app/services/state.py's single threading.RLock(). The lock
// is never held across a persistence write: memory mutation completes,
// the lock is released, the DB write follows (§5).
type Store struct {
	mu           sync.RWMutex
	engines      map[string]*model.Engine
	streams      map[string]*model.Stream
	streamOrder  []string // insertion order, for on_stream_ended's reverse scan
	stats        map[string][]model.StatSample
	db           *DB
	statsHistMax int
}

// New builds an empty Store backed by db, ring-buffering at most
// statsHistoryMax samples per stream.
func New(db *DB, statsHistoryMax int) *Store {
	return &Store{
		engines:      map[string]*model.Engine{},
		streams:      map[string]*model.Stream{},
		stats:        map[string][]model.StatSample{},
		db:           db,
		statsHistMax: statsHistoryMax,
	}
}

// OnStreamStarted upserts the owning engine and the stream itself, in
// memory first, then durably (§4.5).
func (s *Store) OnStreamStarted(ctx context.Context, evt model.StreamStartedEvent) (*model.Stream, error) {
	key := evt.ContainerID
	if key == "" {
		key = evt.Engine.Host + ":" + strconv.Itoa(evt.Engine.Port)
	}

	s.mu.Lock()
	now := nowFunc()
	eng, ok := s.engines[key]
	if !ok {
		eng = &model.Engine{
			EngineKey:     key,
			ContainerID:   evt.ContainerID,
			Host:          evt.Engine.Host,
			Port:          evt.Engine.Port,
			Labels:        cloneLabels(evt.Labels),
			FirstSeen:     now,
			LastSeen:      now,
		}
		s.engines[key] = eng
	} else {
		eng.Host = evt.Engine.Host
		eng.Port = evt.Engine.Port
		eng.LastSeen = now
		eng.MergeLabels(evt.Labels)
	}

	streamID := evt.Labels["stream_id"]
	if streamID == "" {
		streamID = evt.Stream.Key + "|" + evt.Session.PlaybackSessionID
	}

	st := &model.Stream{
		ID:                streamID,
		KeyType:           evt.Stream.KeyType,
		Key:               evt.Stream.Key,
		ContainerID:       key,
		PlaybackSessionID: evt.Session.PlaybackSessionID,
		StatURL:           evt.Session.StatURL,
		CommandURL:        evt.Session.CommandURL,
		IsLive:            evt.Session.IsLive,
		StartedAt:         now,
		Status:            model.StatusStarted,
	}
	if _, existed := s.streams[streamID]; !existed {
		s.streamOrder = append(s.streamOrder, streamID)
	}
	s.streams[streamID] = st
	if !eng.HasStream(streamID) {
		eng.Streams = append(eng.Streams, streamID)
	}

	engCopy := *eng
	engCopy.Labels = cloneLabels(eng.Labels)
	stCopy := *st
	s.mu.Unlock()

	if err := s.db.UpsertEngine(ctx, &engCopy); err != nil {
		return nil, err
	}
	if err := s.db.UpsertStream(ctx, &stCopy); err != nil {
		return nil, err
	}
	return &stCopy, nil
}

// OnStreamEnded resolves the target stream per §4.5's rules and marks it
// ended, or returns (nil, nil) if nothing matched.
func (s *Store) OnStreamEnded(ctx context.Context, evt model.StreamEndedEvent) (*model.Stream, error) {
	s.mu.Lock()
	var target *model.Stream
	if evt.StreamID != "" {
		if st, ok := s.streams[evt.StreamID]; ok {
			target = st
		}
	}
	if target == nil {
		for i := len(s.streamOrder) - 1; i >= 0; i-- {
			st := s.streams[s.streamOrder[i]]
			if st == nil || st.EndedAt != nil {
				continue
			}
			if evt.ContainerID == "" || st.ContainerID == evt.ContainerID {
				target = st
				break
			}
		}
	}
	if target == nil {
		s.mu.Unlock()
		return nil, nil
	}

	now := nowFunc()
	target.EndedAt = &now
	target.Status = model.StatusEnded
	stCopy := *target
	s.mu.Unlock()

	if err := s.db.UpdateStreamEnded(ctx, stCopy.ID, now); err != nil {
		return nil, err
	}
	return &stCopy, nil
}

// AppendStat ring-buffers sample for streamID and persists it.
func (s *Store) AppendStat(ctx context.Context, streamID string, sample model.StatSample) error {
	s.mu.Lock()
	buf := append(s.stats[streamID], sample)
	if over := len(buf) - s.statsHistMax; over > 0 {
		buf = buf[over:]
	}
	s.stats[streamID] = buf
	s.mu.Unlock()

	return s.db.InsertStat(ctx, streamID, sample)
}

// LoadFromDB hydrates all engines and started streams, per §4.5.
func (s *Store) LoadFromDB(ctx context.Context) error {
	engines, err := s.db.LoadEngines(ctx)
	if err != nil {
		return err
	}
	streams, err := s.db.LoadStartedStreams(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range engines {
		e.Streams = nil
		s.engines[e.EngineKey] = e
	}
	for _, st := range streams {
		s.streams[st.ID] = st
		s.streamOrder = append(s.streamOrder, st.ID)
		if eng, ok := s.engines[st.ContainerID]; ok && !eng.HasStream(st.ID) {
			eng.Streams = append(eng.Streams, st.ID)
		}
	}
	return nil
}

// ListEngines returns a consistent snapshot of every known engine.
func (s *Store) ListEngines() []*model.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Engine, 0, len(s.engines))
	for _, e := range s.engines {
		c := *e
		c.Labels = cloneLabels(e.Labels)
		c.Streams = append([]string(nil), e.Streams...)
		out = append(out, &c)
	}
	return out
}

// GetEngine returns the engine for key, or nil if unknown.
func (s *Store) GetEngine(key string) *model.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.engines[key]
	if !ok {
		return nil
	}
	c := *e
	c.Labels = cloneLabels(e.Labels)
	c.Streams = append([]string(nil), e.Streams...)
	return &c
}

// ListStreams returns a consistent snapshot, optionally filtered by status
// and/or container id.
func (s *Store) ListStreams(status model.StreamStatus, containerID string) []*model.Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Stream
	for _, id := range s.streamOrder {
		st, ok := s.streams[id]
		if !ok {
			continue
		}
		if status != "" && st.Status != status {
			continue
		}
		if containerID != "" && st.ContainerID != containerID {
			continue
		}
		c := *st
		out = append(out, &c)
	}
	return out
}

// GetStream returns the stream for id, or nil if unknown.
func (s *Store) GetStream(id string) *model.Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[id]
	if !ok {
		return nil
	}
	c := *st
	return &c
}

// GetStreamStats returns a snapshot of the ring buffer for id.
func (s *Store) GetStreamStats(id string) []model.StatSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf := s.stats[id]
	out := make([]model.StatSample, len(buf))
	copy(out, buf)
	return out
}

// EngineExists reports whether key is a known engine, used by reindex to
// decide whether to synthesise an engine record.
func (s *Store) EngineExists(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.engines[key]
	return ok
}

// PutEngine inserts or replaces an engine record directly, used by the
// reindexer when synthesising an engine for a container the store does
// not yet know about (§4.8). It does not write through to the DB: the
// reindexer reasons entirely from the live runtime, and on_stream_started
// will upsert the durable row on the next event for this engine.
func (s *Store) PutEngine(e *model.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engines[e.EngineKey] = e
}

func cloneLabels(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
