// Package server exposes the read API: configuration listings, feed
// provenance, and point-in-time feed reconstruction.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/camsys/gtfs-realtime/internal/gtfsrt"
	"github.com/camsys/gtfs-realtime/internal/model"
	"github.com/camsys/gtfs-realtime/internal/reconstruct"
	"github.com/camsys/gtfs-realtime/internal/storage"
)

// Server handles the HTTP API.
type Server struct {
	store storage.Storage
	recon *reconstruct.Reconstructor
	log   *slog.Logger
}

// New creates a Server.
func New(store storage.Storage, recon *reconstruct.Reconstructor, log *slog.Logger) *Server {
	return &Server{store: store, recon: recon, log: log}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /configurations", s.listConfigurations)
	mux.HandleFunc("GET /configurations/{id}/feed", s.getFeed)
	mux.HandleFunc("GET /configurations/{id}/feeds", s.listFeeds)
	return mux
}

type configurationJSON struct {
	ID                   int64      `json:"id"`
	Name                 string     `json:"name"`
	Handler              string     `json:"handler,omitempty"`
	TripUpdatesFeed      string     `json:"trip_updates_feed,omitempty"`
	VehiclePositionsFeed string     `json:"vehicle_positions_feed,omitempty"`
	ServiceAlertsFeed    string     `json:"service_alerts_feed,omitempty"`
	IntervalSeconds      int64      `json:"interval_seconds"`
	LastRunAt            *time.Time `json:"last_run_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

func (s *Server) listConfigurations(w http.ResponseWriter, r *http.Request) {
	cfgs, err := s.store.ListConfigurations(r.Context())
	if err != nil {
		s.fail(w, http.StatusInternalServerError, "list configurations", err)
		return
	}

	out := make([]configurationJSON, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, configurationJSON{
			ID:                   c.ID,
			Name:                 c.Name,
			Handler:              c.Handler,
			TripUpdatesFeed:      c.TripUpdatesFeed,
			VehiclePositionsFeed: c.VehiclePositionsFeed,
			ServiceAlertsFeed:    c.ServiceAlertsFeed,
			IntervalSeconds:      c.IntervalSeconds,
			LastRunAt:            c.LastRunAt,
			CreatedAt:            c.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// getFeed reconstructs the feed snapshot valid at the requested
// timestamp (the latest one when omitted) and serves it as protobuf or
// its canonical JSON mapping.
func (s *Server) getFeed(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.configuration(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	ts, err := parseTimestamp(q.Get("timestamp"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "parse timestamp", err)
		return
	}
	status, err := parseStatus(q.Get("status"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "parse status", err)
		return
	}

	snap, err := s.recon.At(r.Context(), cfg.ID, ts, status)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, "reconstruct feed", err)
		return
	}
	msg := gtfsrt.BuildFeedMessage(snap)

	switch format := q.Get("format"); format {
	case "", "json":
		body, err := protojson.Marshal(msg)
		if err != nil {
			s.fail(w, http.StatusInternalServerError, "encode feed", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	case "pb":
		body, err := proto.Marshal(msg)
		if err != nil {
			s.fail(w, http.StatusInternalServerError, "encode feed", err)
			return
		}
		w.Header().Set("Content-Type", "application/x-protobuf")
		_, _ = w.Write(body)
	default:
		s.fail(w, http.StatusBadRequest, "parse format", fmt.Errorf("unknown format %q", format))
	}
}

type feedJSON struct {
	ID              int64     `json:"id"`
	ConfigurationID int64     `json:"configuration_id"`
	Kind            string    `json:"kind"`
	FeedTimestamp   *int64    `json:"feed_timestamp"`
	Status          string    `json:"status"`
	FeedFile        string    `json:"feed_file,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// listFeeds returns the provenance rows of the week containing the
// requested timestamp, the current week when omitted.
func (s *Server) listFeeds(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.configuration(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	instant, err := parseTimestamp(q.Get("timestamp"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "parse timestamp", err)
		return
	}
	if instant == 0 {
		instant = time.Now().Unix()
	}
	status, err := parseStatus(q.Get("status"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "parse status", err)
		return
	}

	feeds, err := s.store.ListFeeds(r.Context(), cfg.ID, instant, status)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, "list feeds", err)
		return
	}

	out := make([]feedJSON, 0, len(feeds))
	for _, f := range feeds {
		out = append(out, feedJSON{
			ID:              f.ID,
			ConfigurationID: f.ConfigurationID,
			Kind:            string(f.Kind),
			FeedTimestamp:   f.FeedTimestamp,
			Status:          string(f.Status),
			FeedFile:        f.FeedFile,
			CreatedAt:       f.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) configuration(w http.ResponseWriter, r *http.Request) (*model.Configuration, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.fail(w, http.StatusBadRequest, "parse configuration id", err)
		return nil, false
	}

	cfg, err := s.store.GetConfiguration(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.fail(w, http.StatusNotFound, "get configuration", err)
		} else {
			s.fail(w, http.StatusInternalServerError, "get configuration", err)
		}
		return nil, false
	}
	return cfg, true
}

func parseTimestamp(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ts < 0 {
		return 0, fmt.Errorf("invalid timestamp %q", raw)
	}
	return ts, nil
}

func parseStatus(raw string) (model.FeedStatus, error) {
	switch status := model.FeedStatus(raw); status {
	case "", model.StatusQueued, model.StatusRunning, model.StatusSuccessful, model.StatusEmpty, model.StatusErrored:
		return status, nil
	default:
		return "", fmt.Errorf("unknown status %q", raw)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("write response", "error", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, code int, op string, err error) {
	if code >= 500 {
		s.log.Error(op, "error", err)
	}
	s.writeJSON(w, code, map[string]string{"error": fmt.Sprintf("%s: %v", op, err)})
}
