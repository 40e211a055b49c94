package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PoolStatus is the kind of a pool status-change event.
type PoolStatus string

const (
	PoolStatusUp      PoolStatus = "UP"
	PoolStatusDown    PoolStatus = "DOWN"
	PoolStatusRestart PoolStatus = "RESTART"
)

// PoolCost is the load and space report a pool attaches to its heartbeat.
type PoolCost struct {
	TotalSpace     int64 `json:"total_space"`
	FreeSpace      int64 `json:"free_space"`
	PreciousSpace  int64 `json:"precious_space"`
	RemovableSpace int64 `json:"removable_space"`
	ActiveMovers   int   `json:"active_movers"`
	MaxMovers      int   `json:"max_movers"`
	QueuedMovers   int   `json:"queued_movers"`
}

// PoolHeartbeat is the periodic "I am alive" message sent by every pool.
type PoolHeartbeat struct {
	Name         string    `json:"name"`
	Address      string    `json:"address"`
	Mode         PoolMode  `json:"mode"`
	Code         int       `json:"code,omitempty"`
	Message      string    `json:"message,omitempty"`
	HsmInstances []string  `json:"hsm_instances,omitempty"`
	Serial       uint64    `json:"serial"`
	Cost         *PoolCost `json:"cost,omitempty"`
}

// CostSnapshot is the facade's view of one pool's cost at a point in time.
// The pool manager passes it around without looking inside.
type CostSnapshot struct {
	Pool            string    `json:"pool"`
	Cost            PoolCost  `json:"cost"`
	PendingBytes    int64     `json:"pending_bytes"`
	PendingWrites   int       `json:"pending_writes"`
	SpaceCost       float64   `json:"space_cost"`
	PerformanceCost float64   `json:"performance_cost"`
	Updated         time.Time `json:"updated"`
}

// FileAttributes carries the namespace attributes needed for placement.
type FileAttributes struct {
	PnfsID       string   `json:"pnfsid"`
	StorageClass string   `json:"storage_class"`
	HSM          string   `json:"hsm,omitempty"`
	Size         int64    `json:"size"`
	Locations    []string `json:"locations,omitempty"`
}

// StorageClassKey returns the accounting key used for quota lookups,
// "<storage class>@<hsm>".
func (f FileAttributes) StorageClassKey() string {
	if f.HSM == "" {
		return f.StorageClass
	}
	return f.StorageClass + "@" + f.HSM
}

// ProtocolInfo describes the transfer protocol the client will use.
type ProtocolInfo struct {
	Protocol     string `json:"protocol"`
	MajorVersion int    `json:"major_version"`
	ClientHost   string `json:"client_host,omitempty"`
}

// SelectPoolRequest asks the pool manager for a pool to write to or read from.
type SelectPoolRequest struct {
	FileAttributes   FileAttributes `json:"file_attributes"`
	ProtocolInfo     ProtocolInfo   `json:"protocol_info"`
	LinkGroup        string         `json:"link_group,omitempty"`
	PreallocatedSize int64          `json:"preallocated_size,omitempty"`
	SkipCostUpdate   bool           `json:"skip_cost_update,omitempty"`
}

// SelectPoolReply is the single answer to a SelectPoolRequest. Code is zero on
// success.
type SelectPoolReply struct {
	RequestID string `json:"request_id"`
	Pool      string `json:"pool,omitempty"`
	Address   string `json:"address,omitempty"`
	Code      int    `json:"code,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message,omitempty"`
}

// OK reports whether the reply carries a pool.
func (r SelectPoolReply) OK() bool {
	return r.Code == 0
}

// PoolStatusEvent is emitted on pool up/down/restart transitions.
type PoolStatusEvent struct {
	Pool    string     `json:"pool"`
	Status  PoolStatus `json:"status"`
	Mode    PoolMode   `json:"mode"`
	Code    int        `json:"code,omitempty"`
	Message string     `json:"message,omitempty"`
	Time    time.Time  `json:"time"`
}

// httpClient bounds every helper call; callers add their own deadline through
// the context.
var httpClient = &http.Client{Timeout: 5 * time.Second}

// StatusError is returned by PostJSON and GetJSON when the peer answers with
// a status of 300 or above.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// PostJSON posts body as JSON to url and decodes the response into out. A nil
// out discards the response body. Pools use it for heartbeats, the status
// topic for its webhook sink.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request for %s: %w", url, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(req, out)
}

// GetJSON fetches url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	return doJSON(req, out)
}

func doJSON(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{URL: req.URL.String(), Code: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
