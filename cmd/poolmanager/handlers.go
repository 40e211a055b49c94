package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/poolmanager/internal/bus"
	"github.com/dreamware/poolmanager/internal/cluster"
	"github.com/dreamware/poolmanager/internal/poolmanager"
	"github.com/dreamware/poolmanager/internal/quota"
)

// selectWait bounds how long an HTTP caller waits for its placement. The
// router always answers before its own selection timeout, so this only
// fires if the manager is shutting down.
const selectWait = 45 * time.Second

type server struct {
	mgr   *poolmanager.Manager
	quota *quota.Table
	log   logrus.FieldLogger

	selectWait time.Duration
}

func newServer(mgr *poolmanager.Manager, q *quota.Table, log logrus.FieldLogger) *server {
	return &server{mgr: mgr, quota: q, log: log.WithField("component", "http"), selectWait: selectWait}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /pools/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /pools/select/write", s.handleSelect(poolmanager.DirectionWrite))
	mux.HandleFunc("POST /pools/select/read", s.handleSelect(poolmanager.DirectionRead))
	mux.HandleFunc("GET /pools", s.handleListPools)
	mux.HandleFunc("GET /pools/{name}", s.handlePoolInfo)
	mux.HandleFunc("POST /pools/{name}/rdonly", s.handleReadOnly)
	mux.HandleFunc("GET /watchdog", s.handleGetWatchdog)
	mux.HandleFunc("POST /watchdog", s.handleSetWatchdog)
	mux.HandleFunc("GET /quota", s.handleListQuota)
	mux.HandleFunc("POST /quota/{class}", s.handleSetUsage)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb cluster.PoolHeartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	changed, err := s.mgr.HandleHeartbeat(hb)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, bus.HeartbeatAck{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, bus.HeartbeatAck{Changed: changed})
}

// handleSelect queues the placement and waits for its single reply. Failed
// placements are still answered with 200; the reply code says what went
// wrong.
func (s *server) handleSelect(dir poolmanager.Direction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg cluster.SelectPoolRequest
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}

		reply, ch := poolmanager.NewChannelReply()
		var req *poolmanager.SelectionRequest
		if dir == poolmanager.DirectionRead {
			req = s.mgr.SelectReadPool(msg, reply)
		} else {
			req = s.mgr.SelectWritePool(msg, reply)
		}

		timer := time.NewTimer(s.selectWait)
		defer timer.Stop()
		select {
		case out := <-ch:
			writeJSON(w, http.StatusOK, out)
		case <-timer.C:
			s.log.WithField("request", req.ID).Warn("placement not answered in time")
			http.Error(w, "placement timed out", http.StatusGatewayTimeout)
		case <-r.Context().Done():
			s.log.WithField("request", req.ID).Debug("caller went away before placement")
		}
	}
}

func (s *server) handleListPools(w http.ResponseWriter, r *http.Request) {
	var names []string
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		names = s.mgr.Registry.ListAll(true)
	} else {
		names = s.mgr.Registry.ListActive()
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, struct {
		Pools []string `json:"pools"`
	}{Pools: names})
}

func (s *server) handlePoolInfo(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.mgr.Registry.Get(r.PathValue("name"))
	if !ok {
		http.Error(w, "unknown pool", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleReadOnly(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReadOnly bool `json:"read_only"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	rec, err := s.mgr.SetReadOnly(r.PathValue("name"), req.ReadOnly)
	if errors.Is(err, poolmanager.ErrUnknownPool) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type watchdogTimer struct {
	Timer string `json:"timer"`
}

func (s *server) handleGetWatchdog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, watchdogTimer{Timer: s.mgr.Watchdog.Timer()})
}

func (s *server) handleSetWatchdog(w http.ResponseWriter, r *http.Request) {
	var req watchdogTimer
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := s.mgr.SetWatchdogTimer(req.Timer); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, watchdogTimer{Timer: s.mgr.Watchdog.Timer()})
}

func (s *server) handleListQuota(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Usages []quota.Usage `json:"usages"`
	}{Usages: s.quota.Usages()})
}

// handleSetUsage records the bytes used by a storage class, as reported by
// the namespace accounting.
func (s *server) handleSetUsage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Used int64 `json:"used"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Used < 0 {
		http.Error(w, "used must not be negative", http.StatusBadRequest)
		return
	}
	s.quota.SetUsage(r.PathValue("class"), req.Used)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		poolmanager.StatusSnapshot
		QueueDepth int `json:"queue_depth"`
	}{StatusSnapshot: s.mgr.Status(), QueueDepth: s.mgr.QueueDepth()})
}
