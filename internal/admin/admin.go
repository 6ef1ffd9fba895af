package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/uchit66/reactive-interaction-gateway/internal/metrics"
	"github.com/uchit66/reactive-interaction-gateway/internal/model"
	"github.com/uchit66/reactive-interaction-gateway/internal/registry"
)

// Server exposes the management surface: api CRUD mirroring the registry,
// a health probe, Prometheus metrics and the cluster transport endpoint.
type Server struct {
	Registry  *registry.Registry
	Metrics   *metrics.Registry
	Cluster   http.Handler
	PeerCount func() int
}

// Routes mounts the admin mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/apis", s.handleList)
	mux.HandleFunc("/apis/", s.handleAPI)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.Metrics != nil {
		mux.HandleFunc("/metrics", s.handleMetrics)
	}
	if s.Cluster != nil {
		mux.Handle("/cluster/ws", s.Cluster)
	}
	return mux
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"message": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, s.Registry.ListAPIs())
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/apis/")
	if id == "" || strings.Contains(id, "/") {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		def, err := s.Registry.GetAPI(id)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
			return
		}
		writeJSON(w, http.StatusOK, def)

	case http.MethodPost:
		def, ok := decodeDefinition(w, r)
		if !ok {
			return
		}
		if err := s.Registry.AddAPI(id, def); err != nil {
			if errors.Is(err, registry.ErrAlreadyTracked) {
				writeJSON(w, http.StatusConflict, map[string]string{"message": "already tracked"})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})

	case http.MethodPut:
		def, ok := decodeDefinition(w, r)
		if !ok {
			return
		}
		if err := s.Registry.UpdateAPI(id, def); err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id})

	case http.MethodDelete:
		if err := s.Registry.DeleteAPI(id); err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id})

	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"message": "method not allowed"})
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	s.Metrics.SetTrackedAPIs(s.Registry.Table().Len())
	if s.PeerCount != nil {
		s.Metrics.SetClusterPeers(s.PeerCount())
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	s.Metrics.WritePrometheus(w)
}

func decodeDefinition(w http.ResponseWriter, r *http.Request) (model.APIDefinition, bool) {
	var def model.APIDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid payload"})
		return def, false
	}
	return def, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
