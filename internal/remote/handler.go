package remote

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"

	"github.com/steveyegge/journalsync/internal/record"
)

// Handler serves a Memory store over the same HTTP API Client speaks.
type Handler struct {
	store  *Memory
	token  string
	logger *log.Logger
	mux    *http.ServeMux
}

// NewHandler returns a handler for store. When token is non-empty requests
// must carry it as a bearer token. logger may be nil.
func NewHandler(store *Memory, token string, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	h := &Handler{
		store:  store,
		token:  token,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	h.mux.HandleFunc("POST /v1/accounts/{owner}/records", h.handlePush)
	h.mux.HandleFunc("GET /v1/accounts/{owner}/records", h.handlePull)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.token != "" && r.URL.Path != "/health" && r.Header.Get("Authorization") != "Bearer "+h.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")

	var rec record.Record
	dec := json.NewDecoder(io.LimitReader(r.Body, record.MaxPayloadBytes*2))
	if err := dec.Decode(&rec); err != nil {
		http.Error(w, "invalid record: "+err.Error(), http.StatusBadRequest)
		return
	}
	if rec.OwnerID != owner {
		http.Error(w, "record owner does not match account", http.StatusBadRequest)
		return
	}

	ack, err := h.store.Push(r.Context(), &rec)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, ack)
}

func (h *Handler) handlePull(w http.ResponseWriter, r *http.Request) {
	res, err := h.store.PullSince(r.Context(), r.PathValue("owner"), r.URL.Query().Get("since"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if res.Records == nil {
		res.Records = []*record.Record{}
	}
	h.writeJSON(w, res)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrRejected):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case IsTransient(err):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.logger.Printf("Error: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Printf("Failed to encode response: %v", err)
	}
}
