package store

import (
	"context"
	"testing"
	"time"

	"github.com/krinkuto11/aceorchestrator/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := openTestDB(t)
	return New(db, 3)
}

func TestOnStreamStartedCreatesEngineAndStream(t *testing.T) {
	s := newTestStore(t)
	evt := model.StreamStartedEvent{
		ContainerID: "c1",
		Engine:      model.EngineAddress{Host: "127.0.0.1", Port: 40000},
		Stream:      model.StreamKey{KeyType: model.KeyContentID, Key: "abc"},
		Session:     model.SessionInfo{PlaybackSessionID: "ps1", StatURL: "http://x/stat", CommandURL: "http://x/cmd", IsLive: true},
	}
	st, err := s.OnStreamStarted(context.Background(), evt)
	if err != nil {
		t.Fatalf("OnStreamStarted: %v", err)
	}
	if st.ID != "abc|ps1" {
		t.Errorf("id = %q, want abc|ps1", st.ID)
	}
	if st.Status != model.StatusStarted {
		t.Errorf("status = %q", st.Status)
	}

	eng := s.GetEngine("c1")
	if eng == nil {
		t.Fatal("expected engine c1")
	}
	if !eng.HasStream("abc|ps1") {
		t.Errorf("engine missing stream: %+v", eng.Streams)
	}
}

func TestOnStreamStartedTwiceUpsertsOneRecord(t *testing.T) {
	s := newTestStore(t)
	evt := model.StreamStartedEvent{
		ContainerID: "c1",
		Engine:      model.EngineAddress{Host: "h", Port: 1},
		Stream:      model.StreamKey{KeyType: model.KeyContentID, Key: "abc"},
		Session:     model.SessionInfo{PlaybackSessionID: "ps1"},
	}
	first, _ := s.OnStreamStarted(context.Background(), evt)
	time.Sleep(2 * time.Millisecond)
	second, _ := s.OnStreamStarted(context.Background(), evt)

	streams := s.ListStreams("", "")
	if len(streams) != 1 {
		t.Fatalf("expected exactly one stream record, got %d", len(streams))
	}
	if !second.StartedAt.After(first.StartedAt) {
		t.Errorf("second call's started_at should reflect the later call")
	}
}

func TestStreamIDPrefersLabel(t *testing.T) {
	s := newTestStore(t)
	evt := model.StreamStartedEvent{
		ContainerID: "c1",
		Engine:      model.EngineAddress{Host: "h", Port: 1},
		Stream:      model.StreamKey{KeyType: model.KeyContentID, Key: "abc"},
		Session:     model.SessionInfo{PlaybackSessionID: "ps1"},
		Labels:      map[string]string{"stream_id": "custom-id"},
	}
	st, err := s.OnStreamStarted(context.Background(), evt)
	if err != nil {
		t.Fatalf("OnStreamStarted: %v", err)
	}
	if st.ID != "custom-id" {
		t.Errorf("id = %q, want custom-id", st.ID)
	}
}

func TestOnStreamEndedByID(t *testing.T) {
	s := newTestStore(t)
	evt := model.StreamStartedEvent{
		ContainerID: "c1",
		Engine:      model.EngineAddress{Host: "h", Port: 1},
		Stream:      model.StreamKey{KeyType: model.KeyContentID, Key: "abc"},
		Session:     model.SessionInfo{PlaybackSessionID: "ps1"},
	}
	started, _ := s.OnStreamStarted(context.Background(), evt)

	ended, err := s.OnStreamEnded(context.Background(), model.StreamEndedEvent{StreamID: started.ID})
	if err != nil {
		t.Fatalf("OnStreamEnded: %v", err)
	}
	if ended == nil {
		t.Fatal("expected a stream")
	}
	if ended.Status != model.StatusEnded || ended.EndedAt == nil {
		t.Errorf("ended stream invariant violated: %+v", ended)
	}
}

func TestOnStreamEndedFallsBackToContainerScan(t *testing.T) {
	s := newTestStore(t)
	s.OnStreamStarted(context.Background(), model.StreamStartedEvent{
		ContainerID: "c1", Engine: model.EngineAddress{Host: "h", Port: 1},
		Stream: model.StreamKey{KeyType: model.KeyContentID, Key: "abc"},
		Session: model.SessionInfo{PlaybackSessionID: "ps1"},
	})

	ended, err := s.OnStreamEnded(context.Background(), model.StreamEndedEvent{ContainerID: "c1"})
	if err != nil {
		t.Fatalf("OnStreamEnded: %v", err)
	}
	if ended == nil || ended.ID != "abc|ps1" {
		t.Fatalf("expected fallback match, got %+v", ended)
	}
}

func TestOnStreamEndedNoMatchReturnsNil(t *testing.T) {
	s := newTestStore(t)
	ended, err := s.OnStreamEnded(context.Background(), model.StreamEndedEvent{StreamID: "nope"})
	if err != nil {
		t.Fatalf("OnStreamEnded: %v", err)
	}
	if ended != nil {
		t.Errorf("expected nil, got %+v", ended)
	}
}

func TestAppendStatEvictsOldestBeyondHistoryMax(t *testing.T) {
	s := newTestStore(t) // statsHistMax = 3
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		peers := i
		if err := s.AppendStat(ctx, "s1", model.StatSample{TS: time.Now().UTC(), Peers: &peers}); err != nil {
			t.Fatalf("AppendStat: %v", err)
		}
	}
	samples := s.GetStreamStats("s1")
	if len(samples) != 3 {
		t.Fatalf("expected ring buffer capped at 3, got %d", len(samples))
	}
	if *samples[0].Peers != 2 {
		t.Errorf("expected oldest-evicted-first, first sample peers=%d, want 2", *samples[0].Peers)
	}
}

func TestLoadFromDBPromotesUTCAndLinksStreams(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)

	db.UpsertEngine(ctx, &model.Engine{EngineKey: "c1", Host: "h", Port: 1, Labels: map[string]string{}, FirstSeen: now, LastSeen: now})
	db.UpsertStream(ctx, &model.Stream{ID: "s1", KeyType: model.KeyContentID, Key: "abc", ContainerID: "c1",
		PlaybackSessionID: "p1", StartedAt: now, Status: model.StatusStarted})

	s := New(db, 10)
	if err := s.LoadFromDB(ctx); err != nil {
		t.Fatalf("LoadFromDB: %v", err)
	}

	eng := s.GetEngine("c1")
	if eng == nil {
		t.Fatal("expected engine c1 after load")
	}
	if !eng.HasStream("s1") {
		t.Errorf("expected engine to link stream s1, got %+v", eng.Streams)
	}
	if eng.FirstSeen.Location() != time.UTC {
		t.Errorf("FirstSeen must be UTC-aware after load")
	}

	st := s.GetStream("s1")
	if st == nil || st.Status != model.StatusStarted {
		t.Errorf("expected started stream s1, got %+v", st)
	}
}

func TestListStreamsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.OnStreamStarted(ctx, model.StreamStartedEvent{ContainerID: "c1", Engine: model.EngineAddress{Host: "h", Port: 1},
		Stream: model.StreamKey{KeyType: model.KeyContentID, Key: "a"}, Session: model.SessionInfo{PlaybackSessionID: "p1"}})
	s.OnStreamStarted(ctx, model.StreamStartedEvent{ContainerID: "c2", Engine: model.EngineAddress{Host: "h", Port: 2},
		Stream: model.StreamKey{KeyType: model.KeyContentID, Key: "b"}, Session: model.SessionInfo{PlaybackSessionID: "p2"}})
	s.OnStreamEnded(ctx, model.StreamEndedEvent{ContainerID: "c2"})

	started := s.ListStreams(model.StatusStarted, "")
	if len(started) != 1 {
		t.Fatalf("expected 1 started stream, got %d", len(started))
	}
	byContainer := s.ListStreams("", "c1")
	if len(byContainer) != 1 {
		t.Fatalf("expected 1 stream for c1, got %d", len(byContainer))
	}
}
