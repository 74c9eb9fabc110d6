package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"btcstream/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	SetCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// RegisterRoutes mounts the gateway endpoints on mux:
//
//	/ws                    live event envelopes (?kinds=signal,position.closed&last_ts=...)
//	/api/events/latest     latest envelope per kind
//	/api/events/missed     replay by kind_seq (?kind=signal&from=10&to=20)
//	/api/latency           event age percentiles
//	/api/snapshot          latest persisted ledger snapshot, when snapshots is non-nil
//	/health                liveness and client count
func RegisterRoutes(mux *http.ServeMux, hub *Hub, snapshots model.SnapshotStore) {
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warn("ws upgrade", slog.Any("error", err))
			return
		}
		hub.Attach(conn, r.URL.Query().Get("last_ts"), parseKinds(r.URL.Query().Get("kinds")))
	})

	mux.HandleFunc("/api/events/latest", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, hub.Latest())
	})

	mux.HandleFunc("/api/events/missed", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		kind := model.EventKind(q.Get("kind"))
		from, errFrom := strconv.ParseInt(q.Get("from"), 10, 64)
		to, errTo := strconv.ParseInt(q.Get("to"), 10, 64)
		if kind == "" || errFrom != nil || errTo != nil || from > to {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "kind, from and to (from <= to) are required"})
			return
		}
		msgs := hub.ReplayRange(kind, from, to)
		out := make([]json.RawMessage, len(msgs))
		for i, m := range msgs {
			out[i] = m
		}
		writeJSON(w, http.StatusOK, map[string]any{"kind": kind, "messages": out})
	})

	mux.HandleFunc("/api/latency", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, hub.Latency.Stats())
	})

	if snapshots != nil {
		mux.HandleFunc("/api/snapshot", func(w http.ResponseWriter, r *http.Request) {
			data, err := snapshots.ReadLatestSnapshotJSON(r.Context())
			switch {
			case err != nil:
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			case data == nil:
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "no snapshot"})
			default:
				writeJSON(w, http.StatusOK, json.RawMessage(data))
			}
		})
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"clients": hub.ClientCount(),
		})
	})
}

func parseKinds(s string) []model.EventKind {
	var out []model.EventKind
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, model.EventKind(part))
		}
	}
	return out
}

// Server runs the gateway HTTP server.
type Server struct {
	addr string
	srv  *http.Server
	log  *slog.Logger
}

// NewServer builds a gateway server on addr.
func NewServer(addr string, hub *Hub, snapshots model.SnapshotStore) *Server {
	mux := http.NewServeMux()
	RegisterRoutes(mux, hub, snapshots)
	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		log:  hub.log,
	}
}

// Handler returns the server's mux.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("gateway listening", slog.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("gateway server error", slog.Any("error", err))
		}
	}()
}

// Stop gracefully shuts down the server. Shutdown does not track hijacked
// WebSocket connections, so callers also close the hub.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
