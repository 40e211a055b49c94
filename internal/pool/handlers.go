package pool

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/poolmanager/internal/cluster"
	"github.com/dreamware/poolmanager/internal/repository"
)

// maxFileSize bounds a single PUT body.
const maxFileSize = 64 << 20

// Routes returns the pool's HTTP API:
//
//	GET    /files            list replica ids
//	GET    /files/{pnfsid}   read a replica
//	PUT    /files/{pnfsid}   write a replica (?storage_class=&hsm=)
//	DELETE /files/{pnfsid}   remove a replica
//	POST   /mode             change the pool mode
//	GET    /info             pool state and statistics
//	GET    /health           liveness
func (p *Pool) Routes(log logrus.FieldLogger) http.Handler {
	h := &handler{pool: p, log: log.WithField("pool", p.name)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /files", h.handleList)
	mux.HandleFunc("GET /files/{pnfsid}", h.handleGet)
	mux.HandleFunc("PUT /files/{pnfsid}", h.handlePut)
	mux.HandleFunc("DELETE /files/{pnfsid}", h.handleDelete)
	mux.HandleFunc("POST /mode", h.handleMode)
	mux.HandleFunc("GET /info", h.handleInfo)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

type handler struct {
	pool *Pool
	log  logrus.FieldLogger
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps pool and repository errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrReplicaNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrNoSpace):
		return http.StatusInsufficientStorage
	case errors.Is(err, repository.ErrTooManyMovers):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrStoreDisabled), errors.Is(err, ErrFetchDisabled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *handler) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, struct {
		Files []string `json:"files"`
	}{Files: h.pool.List()})
}

func (h *handler) handleGet(w http.ResponseWriter, r *http.Request) {
	rep, err := h.pool.Get(r.PathValue("pnfsid"))
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Storage-Class", rep.StorageClass)
	_, _ = w.Write(rep.Data)
}

func (h *handler) handlePut(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFileSize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	rep := repository.Replica{
		PnfsID:       r.PathValue("pnfsid"),
		StorageClass: r.URL.Query().Get("storage_class"),
		HSM:          r.URL.Query().Get("hsm"),
		Data:         data,
	}
	if err := h.pool.Put(rep); err != nil {
		h.log.WithError(err).WithField("pnfsid", rep.PnfsID).Warn("write refused")
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.pool.Delete(r.PathValue("pnfsid")); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ModeRequest is the body of POST /mode.
type ModeRequest struct {
	// Mode is one of enabled, disabled, strict, rdonly, dead.
	Mode    string `json:"mode"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (h *handler) handleMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	mode, err := cluster.ParsePoolMode(req.Mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.pool.SetMode(mode, req.Code, req.Message)
	h.log.WithField("mode", mode.String()).Info("pool mode changed")
	writeJSON(w, h.pool.Info())
}

func (h *handler) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.pool.Info())
}
