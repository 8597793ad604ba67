// Package api wires the orchestrator's HTTP surface: the chi router
// exposing provisioning, scaling, events and read endpoints equivalent to
// app/main.py's FastAPI routes (§6), with one central error-to-status
// mapping instead of a try/except per route (§7).
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/krinkuto11/aceorchestrator/internal/apperr"
	"github.com/krinkuto11/aceorchestrator/internal/autoscale"
	"github.com/krinkuto11/aceorchestrator/internal/config"
	"github.com/krinkuto11/aceorchestrator/internal/events"
	"github.com/krinkuto11/aceorchestrator/internal/metrics"
	"github.com/krinkuto11/aceorchestrator/internal/model"
	"github.com/krinkuto11/aceorchestrator/internal/provision"
	"github.com/krinkuto11/aceorchestrator/internal/runtime"
	"github.com/krinkuto11/aceorchestrator/internal/store"
)

// Server holds every component a route handler needs.
type Server struct {
	cfg *config.Config
	st  *store.Store
	rt  runtime.Adapter
	pv  *provision.Provisioner
	as  *autoscale.Autoscaler
	ev  *events.Handlers
}

// New builds a Server. It does not start listening; call Router to obtain
// an http.Handler and mount it however cmd/orchestrator sees fit.
func New(cfg *config.Config, st *store.Store, rt runtime.Adapter, pv *provision.Provisioner, as *autoscale.Autoscaler, ev *events.Handlers) *Server {
	return &Server{cfg: cfg, st: st, rt: rt, pv: pv, as: as, ev: ev}
}

// Router assembles the full route tree. GET /metrics, GET /containers/{id},
// GET /engines, GET /engines/{id}, GET /streams and GET /streams/{id}/stats
// are open; every other route, including GET /by-label, sits behind the
// auth middleware.
func (s *Server) Router(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Get("/containers/{id}", s.getContainer)
	r.Get("/engines", s.listEngines)
	r.Get("/engines/{id}", s.getEngine)
	r.Get("/streams", s.listStreams)
	r.Get("/streams/{id}/stats", s.getStreamStats)

	r.Group(func(pr chi.Router) {
		pr.Use(authMiddleware)
		pr.Post("/provision", s.provision)
		pr.Post("/provision/acestream", s.provisionAceStream)
		pr.Post("/scale/{demand}", s.scale)
		pr.Post("/gc", s.gc)
		pr.Delete("/containers/{id}", s.deleteContainer)
		pr.Post("/events/stream_started", s.streamStarted)
		pr.Post("/events/stream_ended", s.streamEnded)
		pr.Get("/by-label", s.byLabel)
	})

	return r
}

// --- provisioning -----------------------------------------------------

type provisionRequest struct {
	Image      string            `json:"image"`
	Env        map[string]string `json:"env"`
	Labels     map[string]string `json:"labels"`
	PortBinds  map[string]int    `json:"port_binds"`
	NamePrefix string            `json:"name_prefix"`
}

func (s *Server) provision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.ConfigInvalid, "invalid request body", err))
		return
	}

	res, err := s.pv.Provision(r.Context(), provision.Request{
		Image:      req.Image,
		Env:        req.Env,
		Labels:     req.Labels,
		PortBinds:  req.PortBinds,
		NamePrefix: req.NamePrefix,
	})
	if err != nil {
		metrics.IncProvision(string(provisionOutcome(err)))
		writeError(w, err)
		return
	}
	metrics.IncProvision("ok")
	writeJSON(w, http.StatusOK, map[string]string{"container_id": res.ContainerID})
}

type provisionAceRequest struct {
	Image         string            `json:"image"`
	Env           map[string]string `json:"env"`
	Labels        map[string]string `json:"labels"`
	FixedHostPort int               `json:"fixed_host_port"`
}

type provisionAceResponse struct {
	ContainerID        string `json:"container_id"`
	ContainerName      string `json:"container_name"`
	HostHTTPPort       int    `json:"host_http_port"`
	ContainerHTTPPort  int    `json:"container_http_port"`
	ContainerHTTPSPort int    `json:"container_https_port"`
}

func (s *Server) provisionAceStream(w http.ResponseWriter, r *http.Request) {
	var req provisionAceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.ConfigInvalid, "invalid request body", err))
		return
	}

	res, err := s.pv.ProvisionAceStream(r.Context(), provision.AceRequest{
		Image:         req.Image,
		Env:           req.Env,
		Labels:        req.Labels,
		FixedHostPort: req.FixedHostPort,
	})
	if err != nil {
		metrics.IncProvision(string(provisionOutcome(err)))
		writeError(w, err)
		return
	}
	metrics.IncProvision("ok")
	writeJSON(w, http.StatusOK, provisionAceResponse{
		ContainerID:        res.ContainerID,
		ContainerName:      res.ContainerName,
		HostHTTPPort:       res.HostHTTPPort,
		ContainerHTTPPort:  res.ContainerHTTPPort,
		ContainerHTTPSPort: res.ContainerHTTPSPort,
	})
}

func provisionOutcome(err error) apperr.Kind {
	if k, ok := apperr.KindOf(err); ok {
		return k
	}
	return apperr.StartupFailed
}

// --- scaling & gc -------------------------------------------------------

func (s *Server) scale(w http.ResponseWriter, r *http.Request) {
	demand, err := strconv.Atoi(chi.URLParam(r, "demand"))
	if err != nil {
		writeError(w, apperr.Wrap(apperr.ConfigInvalid, "demand must be an integer", err))
		return
	}
	if err := s.as.ScaleTo(r.Context(), demand); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"scaled_to": demand})
}

// gc is the idle-sweep garbage-collection hook. The original
// services/health.py's sweep_idle is itself a no-op returning {"ok": true};
// this route preserves that behavior rather than inventing an idle-kill
// policy the spec never describes.
func (s *Server) gc(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- containers ---------------------------------------------------------

type containerView struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Image   string            `json:"image"`
	Created string            `json:"created"`
	Status  string            `json:"status"`
	Labels  map[string]string `json:"labels"`
	Ports   map[string]int    `json:"ports"`
}

func (s *Server) getContainer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.rt.Inspect(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContainerView(view))
}

func (s *Server) deleteContainer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.pv.Stop(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) byLabel(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	value := r.URL.Query().Get("value")
	if key == "" {
		writeError(w, apperr.New(apperr.ConfigInvalid, "key is required"))
		return
	}

	managed, err := s.rt.ListByLabel(r.Context(), s.cfg.ContainerLabelKey, s.cfg.ContainerLabelValue)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]containerView, 0, len(managed))
	for _, c := range managed {
		if c.Labels[key] != value {
			continue
		}
		view, err := s.rt.Inspect(r.Context(), c.ID)
		if err != nil {
			continue
		}
		out = append(out, toContainerView(view))
	}
	writeJSON(w, http.StatusOK, out)
}

func toContainerView(v runtime.ContainerView) containerView {
	return containerView{
		ID:      v.ID,
		Name:    v.Name,
		Image:   v.Image,
		Created: v.Created,
		Status:  string(v.Status),
		Labels:  v.Labels,
		Ports:   v.Ports,
	}
}

// --- events ---------------------------------------------------------------

type engineAddressDTO struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type streamKeyDTO struct {
	KeyType string `json:"key_type"`
	Key     string `json:"key"`
}

type sessionInfoDTO struct {
	PlaybackSessionID string `json:"playback_session_id"`
	StatURL            string `json:"stat_url"`
	CommandURL         string `json:"command_url"`
	IsLive             bool   `json:"is_live"`
}

type streamStartedRequest struct {
	ContainerID string            `json:"container_id"`
	Engine      engineAddressDTO  `json:"engine"`
	Stream      streamKeyDTO      `json:"stream"`
	Session     sessionInfoDTO    `json:"session"`
	Labels      map[string]string `json:"labels"`
}

type streamEndedRequest struct {
	ContainerID string `json:"container_id"`
	StreamID    string `json:"stream_id"`
	Reason      string `json:"reason"`
}

func (s *Server) streamStarted(w http.ResponseWriter, r *http.Request) {
	var req streamStartedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.ConfigInvalid, "invalid request body", err))
		return
	}

	evt := model.StreamStartedEvent{
		ContainerID: req.ContainerID,
		Engine:      model.EngineAddress{Host: req.Engine.Host, Port: req.Engine.Port},
		Stream:      model.StreamKey{KeyType: model.StreamKeyType(req.Stream.KeyType), Key: req.Stream.Key},
		Session: model.SessionInfo{
			PlaybackSessionID: req.Session.PlaybackSessionID,
			StatURL:           req.Session.StatURL,
			CommandURL:        req.Session.CommandURL,
			IsLive:            req.Session.IsLive,
		},
		Labels: req.Labels,
	}
	if !evt.Stream.KeyType.Valid() {
		writeError(w, apperr.New(apperr.ConfigInvalid, "stream.key_type must be one of content_id, infohash, url, magnet"))
		return
	}

	st, err := s.ev.StreamStarted(r.Context(), evt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStreamDTO(st))
}

func (s *Server) streamEnded(w http.ResponseWriter, r *http.Request) {
	var req streamEndedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.ConfigInvalid, "invalid request body", err))
		return
	}

	st, err := s.ev.StreamEnded(r.Context(), model.StreamEndedEvent{
		ContainerID: req.ContainerID,
		StreamID:    req.StreamID,
		Reason:      req.Reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"updated": st != nil,
		"stream":  toStreamDTO(st),
	})
}

// --- reads -----------------------------------------------------------------

type engineDTO struct {
	ContainerID   string            `json:"container_id"`
	ContainerName string            `json:"container_name"`
	Host          string            `json:"host"`
	Port          int               `json:"port"`
	Labels        map[string]string `json:"labels"`
	FirstSeen     time.Time         `json:"first_seen"`
	LastSeen      time.Time         `json:"last_seen"`
	Streams       []string          `json:"streams"`
}

type streamDTO struct {
	ID                string     `json:"id"`
	KeyType           string     `json:"key_type"`
	Key               string     `json:"key"`
	ContainerID       string     `json:"container_id"`
	PlaybackSessionID string     `json:"playback_session_id"`
	StatURL           string     `json:"stat_url"`
	CommandURL        string     `json:"command_url"`
	IsLive            bool       `json:"is_live"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	Status            string     `json:"status"`
}

func toEngineDTO(e *model.Engine) engineDTO {
	return engineDTO{
		ContainerID:   e.ContainerID,
		ContainerName: e.ContainerName,
		Host:          e.Host,
		Port:          e.Port,
		Labels:        e.Labels,
		FirstSeen:     e.FirstSeen,
		LastSeen:      e.LastSeen,
		Streams:       e.Streams,
	}
}

func toStreamDTO(st *model.Stream) *streamDTO {
	if st == nil {
		return nil
	}
	return &streamDTO{
		ID:                st.ID,
		KeyType:           string(st.KeyType),
		Key:               st.Key,
		ContainerID:       st.ContainerID,
		PlaybackSessionID: st.PlaybackSessionID,
		StatURL:           st.StatURL,
		CommandURL:        st.CommandURL,
		IsLive:            st.IsLive,
		StartedAt:         st.StartedAt,
		EndedAt:           st.EndedAt,
		Status:            string(st.Status),
	}
}

func (s *Server) listEngines(w http.ResponseWriter, r *http.Request) {
	engines := s.st.ListEngines()
	out := make([]engineDTO, 0, len(engines))
	for _, e := range engines {
		out = append(out, toEngineDTO(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getEngine(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	eng := s.st.GetEngine(id)
	if eng == nil {
		writeJSON(w, http.StatusOK, map[string]string{"error": "not found"})
		return
	}
	streams := s.st.ListStreams("", id)
	streamDTOs := make([]*streamDTO, 0, len(streams))
	for _, st := range streams {
		streamDTOs = append(streamDTOs, toStreamDTO(st))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"engine":  toEngineDTO(eng),
		"streams": streamDTOs,
	})
}

func (s *Server) listStreams(w http.ResponseWriter, r *http.Request) {
	status := model.StreamStatus(r.URL.Query().Get("status"))
	if status != "" && status != model.StatusStarted && status != model.StatusEnded {
		writeError(w, apperr.New(apperr.ConfigInvalid, "status must be started or ended"))
		return
	}
	containerID := r.URL.Query().Get("container_id")

	streams := s.st.ListStreams(status, containerID)
	out := make([]*streamDTO, 0, len(streams))
	for _, st := range streams {
		out = append(out, toStreamDTO(st))
	}
	writeJSON(w, http.StatusOK, out)
}

type statSampleDTO struct {
	TS         time.Time `json:"ts"`
	Peers      *int      `json:"peers,omitempty"`
	SpeedDown  *int64    `json:"speed_down,omitempty"`
	SpeedUp    *int64    `json:"speed_up,omitempty"`
	Downloaded *int64    `json:"downloaded,omitempty"`
	Uploaded   *int64    `json:"uploaded,omitempty"`
	Status     *string   `json:"status,omitempty"`
}

func (s *Server) getStreamStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	samples := s.st.GetStreamStats(id)

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, apperr.Wrap(apperr.ConfigInvalid, "since must be an RFC3339 timestamp", err))
			return
		}
		since = t
	}

	out := make([]statSampleDTO, 0, len(samples))
	for _, sample := range samples {
		if !since.IsZero() && sample.TS.Before(since) {
			continue
		}
		out = append(out, statSampleDTO{
			TS:         sample.TS,
			Peers:      sample.Peers,
			SpeedDown:  sample.SpeedDown,
			SpeedUp:    sample.SpeedUp,
			Downloaded: sample.Downloaded,
			Uploaded:   sample.Uploaded,
			Status:     sample.Status,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// --- plumbing ---------------------------------------------------------------

func decodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("failed to encode response body")
	}
}

// writeError maps an apperr.Kind to its HTTP status, per §7's single
// mapping function in place of main.py's scattered HTTPException calls.
func writeError(w http.ResponseWriter, err error) {
	kind, ok := apperr.KindOf(err)
	if !ok {
		logrus.WithError(err).Error("unclassified error reaching the HTTP layer")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := http.StatusInternalServerError
	switch kind {
	case apperr.NotFound, apperr.StreamUnknown:
		status = http.StatusNotFound
	case apperr.ConfigInvalid, apperr.NoFreePort:
		status = http.StatusBadRequest
	case apperr.AuthMissing:
		status = http.StatusUnauthorized
	case apperr.AuthInvalid:
		status = http.StatusForbidden
	case apperr.ImageUnavailable, apperr.NetworkError, apperr.StartupFailed, apperr.CollectorScrapeFailed:
		status = http.StatusBadGateway
	case apperr.RuntimeUnavailable, apperr.PersistenceError:
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}
