package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"canvaspix/internal/cluster"
)

// ClusterInfo is served by cluster.Broker; nil in standalone mode.
type ClusterInfo interface {
	Name() string
	Leader() string
	Shards() []cluster.ShardInfo
}

type ChunkReader interface {
	GetChunk(ctx context.Context, canvasID, i, j uint8) ([]byte, error)
}

// Router wires the HTTP surface. info and chunks may be nil.
func (s *Server) Router(info ClusterInfo, chunks ChunkReader) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.ServeWS).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/shards", s.handleShards(info)).Methods(http.MethodGet)
	if chunks != nil {
		r.HandleFunc("/chunks/{canvas:[0-9]+}/{i:[0-9]+}/{j:[0-9]+}.bin", s.handleChunk(chunks)).Methods(http.MethodGet)
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.hub.count(),
		"main":        s.bus.IsMain(),
	})
}

type shardsResponse struct {
	Shard       string              `json:"shard,omitempty"`
	Leader      string              `json:"leader,omitempty"`
	Shards      []cluster.ShardInfo `json:"shards"`
	Connections int                 `json:"connections"`
	Online      int                 `json:"online"`
}

func (s *Server) handleShards(info ClusterInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := shardsResponse{Shards: []cluster.ShardInfo{}, Online: s.bus.Online().Total}
		if info != nil {
			resp.Shard = info.Name()
			resp.Leader = info.Leader()
			resp.Shards = info.Shards()
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		raw, err := s.bus.RequestAll(ctx, RequestConnCount, nil)
		if err == nil {
			err = json.Unmarshal(raw, &resp.Connections)
		}
		if err != nil {
			s.logger.Warn().Err(err).Msg("cluster connection count")
			resp.Connections = s.hub.count()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// handleChunk serves a chunk as raw palette indices, one byte per pixel in
// row-major order. A chunk never written comes back empty.
func (s *Server) handleChunk(chunks ChunkReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		canvasID, errC := strconv.ParseUint(vars["canvas"], 10, 8)
		i, errI := strconv.ParseUint(vars["i"], 10, 8)
		j, errJ := strconv.ParseUint(vars["j"], 10, 8)
		c, ok := s.canvases.Get(uint8(canvasID))
		if !ok || errC != nil || errI != nil || errJ != nil || int(i) >= c.ChunksPerSide() || int(j) >= c.ChunksPerSide() {
			http.NotFound(w, r)
			return
		}
		data, err := chunks.GetChunk(r.Context(), c.ID, uint8(i), uint8(j))
		if err != nil {
			s.logger.Error().Err(err).Msg("read chunk")
			http.Error(w, "chunk unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(data)
	}
}
