package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"collabtext/internal/discovery"
	"collabtext/internal/room"
	"collabtext/internal/store"
	"collabtext/internal/transport"
)

type server struct {
	instanceID string
	coord      *room.Coordinator
	hub        *transport.Hub
	store      store.Store
	peers      *discovery.Registry
	logger     *slog.Logger
}

func newServer(instanceID string, coord *room.Coordinator, hub *transport.Hub, st store.Store, peers *discovery.Registry, logger *slog.Logger) *server {
	return &server{
		instanceID: instanceID,
		coord:      coord,
		hub:        hub,
		store:      st,
		peers:      peers,
		logger:     logger,
	}
}

func (s *server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleConnections).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{roomId}", s.handleRoom).Methods(http.MethodGet)
	r.HandleFunc("/api/peers", s.handlePeers).Methods(http.MethodGet)
	return r
}

type health struct {
	Status      string `json:"status"`
	Instance    string `json:"instance"`
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, health{
		Status:      "ok",
		Instance:    s.instanceID,
		Connections: s.hub.Len(),
		Rooms:       s.coord.Rooms(),
	})
}

// handleRoom returns the persisted document of a room.
func (s *server) handleRoom(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	doc, err := s.store.GetDocument(r.Context(), roomID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "room not found"})
	case err != nil:
		s.logger.Error("loading room failed", "room", roomID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	default:
		writeJSON(w, http.StatusOK, doc)
	}
}

func (s *server) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.peers.Peers())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
