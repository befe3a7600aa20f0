package apihttp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"torrentresume/internal/domain"
	"torrentresume/internal/domain/ports"
)

const torrentOpTimeout = 30 * time.Second

func (s *Server) handleTorrents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleAddTorrent(w, r)
	case http.MethodGet:
		s.handleListTorrents(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type addTorrentJSON struct {
	Magnet string `json:"magnet"`
}

func (s *Server) handleAddTorrent(w http.ResponseWriter, r *http.Request) {
	if s.torrents == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "engine not configured")
		return
	}

	var body addTorrentJSON
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}
	magnet := strings.TrimSpace(body.Magnet)
	if magnet == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "magnet is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), torrentOpTimeout)
	defer cancel()

	if err := s.torrents.AddMagnet(ctx, magnet); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type torrentList struct {
	Items []ports.TorrentSummary `json:"items"`
	Count int                    `json:"count"`
}

func (s *Server) handleListTorrents(w http.ResponseWriter, r *http.Request) {
	if s.torrents == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "engine not configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), torrentOpTimeout)
	defer cancel()

	items, err := s.torrents.List(ctx)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if items == nil {
		items = []ports.TorrentSummary{}
	}
	writeJSON(w, http.StatusOK, torrentList{Items: items, Count: len(items)})
}

func (s *Server) handleTorrentByID(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/torrents/")
	if raw == "" || strings.Contains(raw, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.torrents == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "engine not configured")
		return
	}

	id, err := domain.ParseTorrentID(raw)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), torrentOpTimeout)
	defer cancel()

	if err := s.torrents.Remove(ctx, id); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
