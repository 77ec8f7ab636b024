package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/logger"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/parser"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/stats"
)

// maxBodyBytes bounds statistic write requests
const maxBodyBytes = 4 << 10

// Stats is the node's statistic surface
type Stats interface {
	Get(player stats.PlayerID, key string) int64
	Snapshot(player stats.PlayerID) map[string]int64
	Increment(player stats.PlayerID, key string, delta int64) (int64, error)
	Set(player stats.PlayerID, key string, value int64) error
	Join(ctx context.Context, player stats.PlayerID) bool
	Leave(player stats.PlayerID) bool
	Status() stats.Status
}

// Placeholders expands placeholder parameters for a player
type Placeholders interface {
	Request(player stats.PlayerID, params string) (string, bool)
}

// Server handles health checks, metrics and the statistic endpoints
type Server struct {
	httpServer   *http.Server
	stats        Stats
	placeholders Placeholders
	logger       *logger.Logger
}

// New creates a new HTTP server for one node
func New(addr string, st Stats, ph Placeholders, l *logger.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		stats:        st,
		placeholders: ph,
		logger:       l,
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /v1/placeholder/{player}/{params}", s.handlePlaceholder)
	mux.HandleFunc("GET /v1/players/{player}/stats", s.handleSnapshot)
	mux.HandleFunc("GET /v1/players/{player}/stats/{key}", s.handleGet)
	mux.HandleFunc("POST /v1/players/{player}/stats/{key}", s.handleWrite)
	mux.HandleFunc("POST /v1/players/{player}/join", s.handleJoin)
	mux.HandleFunc("POST /v1/players/{player}/leave", s.handleLeave)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

// Handler exposes the routes for in-process use
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReady fails while cross-node synchronization is degraded so load
// balancers can steer players away; local play still works
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.stats.Status() == stats.Degraded {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("degraded"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func (s *Server) handlePlaceholder(w http.ResponseWriter, r *http.Request) {
	player, ok := s.player(w, r)
	if !ok {
		return
	}
	value, ok := s.placeholders.Request(player, r.PathValue("params"))
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("unknown placeholder"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(value))
}

type statResponse struct {
	Player string `json:"player"`
	Key    string `json:"key"`
	Value  int64  `json:"value"`
}

type snapshotResponse struct {
	Player string           `json:"player"`
	Stats  map[string]int64 `json:"stats"`
}

type joinResponse struct {
	Player string `json:"player"`
	Fresh  bool   `json:"fresh"`
}

type leaveResponse struct {
	Player  string `json:"player"`
	Evicted bool   `json:"evicted"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	player, ok := s.player(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, snapshotResponse{Player: player.String(), Stats: s.stats.Snapshot(player)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	player, ok := s.player(w, r)
	if !ok {
		return
	}
	key, err := stats.NormalizeKey(r.PathValue("key"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statResponse{Player: player.String(), Key: key, Value: s.stats.Get(player, key)})
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	player, ok := s.player(w, r)
	if !ok {
		return
	}
	key, err := stats.NormalizeKey(r.PathValue("key"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	req, err := parser.ParseStatRequest(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	var value int64
	switch req.Op {
	case parser.OpIncrement:
		value, err = s.stats.Increment(player, key, req.Value)
	case parser.OpSet:
		err = s.stats.Set(player, key, req.Value)
		value = req.Value
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statResponse{Player: player.String(), Key: key, Value: value})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	player, ok := s.player(w, r)
	if !ok {
		return
	}
	fresh := s.stats.Join(r.Context(), player)
	s.writeJSON(w, http.StatusOK, joinResponse{Player: player.String(), Fresh: fresh})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	player, ok := s.player(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, leaveResponse{Player: player.String(), Evicted: s.stats.Leave(player)})
}

func (s *Server) player(w http.ResponseWriter, r *http.Request) (stats.PlayerID, bool) {
	id, err := stats.ParsePlayerID(r.PathValue("player"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return stats.PlayerID{}, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode response", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Start runs the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
