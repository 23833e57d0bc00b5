package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/BadgerOps/tapevault/internal/inbox"
	"github.com/BadgerOps/tapevault/internal/store"
)

// StatusJSON is the response of GET /api/status.
type StatusJSON struct {
	Version    string                    `json:"version"`
	Items      map[store.ItemStatus]int  `json:"items"`
	Batches    map[store.BatchStatus]int `json:"batches"`
	ReadyBytes int64                     `json:"ready_bytes"`
	ReadySize  string                    `json:"ready_size"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats()
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, StatusJSON{
		Version:    s.version,
		Items:      stats.Items,
		Batches:    stats.Batches,
		ReadyBytes: stats.ReadyBytes,
		ReadySize:  humanize.Bytes(uint64(stats.ReadyBytes)),
	})
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	status := store.BatchStatus(r.URL.Query().Get("status"))
	if status != "" && !status.IsValid() {
		jsonError(w, http.StatusBadRequest, "invalid status: "+string(status))
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	batches, err := s.store.ListBatches(status, limit)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if batches == nil {
		batches = []store.Batch{}
	}
	writeJSON(w, http.StatusOK, batches)
}

// BatchJSON is a batch with its members.
type BatchJSON struct {
	*store.Batch
	Items []store.Item `json:"items"`
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b, err := s.store.GetBatch(id)
	if err != nil {
		storeError(w, err)
		return
	}
	items, err := s.store.ListBatchItems(id)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []store.Item{}
	}
	writeJSON(w, http.StatusOK, BatchJSON{Batch: b, Items: items})
}

func (s *Server) handleRetryBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.retrier.Retry(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			jsonError(w, http.StatusConflict, "batch is not an idle FAILED or TRANSFERRING batch")
			return
		}
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	b, err := s.store.GetBatch(id)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, b)
}

func (s *Server) handleRegisterItem(w http.ResponseWriter, r *http.Request) {
	var req inbox.Request
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Path == "" {
		jsonError(w, http.StatusBadRequest, "path is required")
		return
	}

	it, err := s.registrar.Register(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, it)
	case errors.Is(err, inbox.ErrRejected):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error": err.Error(),
			"item":  it,
		})
	case errors.Is(err, store.ErrDuplicateItem):
		jsonError(w, http.StatusConflict, err.Error())
	default:
		jsonError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid item id")
		return
	}
	it, err := s.store.GetItem(id)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		jsonError(w, http.StatusNotFound, err.Error())
		return
	}
	jsonError(w, http.StatusInternalServerError, err.Error())
}
