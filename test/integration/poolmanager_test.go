package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/poolmanager/internal/cluster"
	"github.com/dreamware/poolmanager/internal/poolmanager"
)

// TestSystem is a pool manager and its pools running as separate processes.
type TestSystem struct {
	t          *testing.T
	manager    *exec.Cmd
	pools      map[string]*exec.Cmd
	managerURL string
	poolURLs   map[string]string
	httpClient *http.Client
}

// NewTestSystem creates a system of one pool manager and two pools on high
// ports.
func NewTestSystem(t *testing.T) *TestSystem {
	return &TestSystem{
		t:          t,
		managerURL: "http://127.0.0.1:18080",
		pools:      map[string]*exec.Cmd{},
		poolURLs: map[string]string{
			"pool-a": "http://127.0.0.1:18081",
			"pool-b": "http://127.0.0.1:18082",
		},
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Start launches the pool manager and then the pools.
func (ts *TestSystem) Start() error {
	ts.t.Log("Starting pool manager...")
	ts.manager = exec.Command("./bin/poolmanager", "--listen", ":18080", "--watchdog-timer", "10:10")
	ts.manager.Stdout = os.Stdout
	ts.manager.Stderr = os.Stderr
	if err := ts.manager.Start(); err != nil {
		return fmt.Errorf("failed to start pool manager: %w", err)
	}
	if err := ts.waitForService(ts.managerURL + "/health"); err != nil {
		return fmt.Errorf("pool manager failed to start: %w", err)
	}

	port := 18081
	for _, name := range []string{"pool-a", "pool-b"} {
		ts.t.Logf("Starting %s...", name)
		cmd := exec.Command("./bin/pool",
			"--name", name,
			"--listen", fmt.Sprintf(":%d", port),
			"--address", ts.poolURLs[name],
			"--capacity", "1048576",
			"--poolmanager", ts.managerURL,
			"--heartbeat-interval", "500ms",
		)
		port++
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("failed to start %s: %w", name, err)
		}
		ts.pools[name] = cmd
		if err := ts.waitForService(ts.poolURLs[name] + "/health"); err != nil {
			return fmt.Errorf("%s failed to start: %w", name, err)
		}
	}
	return nil
}

// Stop kills every process that is still running.
func (ts *TestSystem) Stop() {
	for name, cmd := range ts.pools {
		if cmd.Process != nil && cmd.ProcessState == nil {
			ts.t.Logf("Stopping %s...", name)
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
	}
	if ts.manager != nil && ts.manager.Process != nil {
		ts.t.Log("Stopping pool manager...")
		_ = ts.manager.Process.Kill()
		_ = ts.manager.Wait()
	}
}

// StopPool shuts a pool down gracefully so it says goodbye.
func (ts *TestSystem) StopPool(name string) error {
	cmd := ts.pools[name]
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	return cmd.Wait()
}

func (ts *TestSystem) waitForService(url string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for %s", url)
		default:
			resp, err := ts.httpClient.Get(url)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
}

func (ts *TestSystem) post(url string, body, out any) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	resp, err := ts.httpClient.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// ActivePools returns the pools the pool manager considers up.
func (ts *TestSystem) ActivePools() ([]string, error) {
	var out struct {
		Pools []string `json:"pools"`
	}
	err := cluster.GetJSON(context.Background(), ts.managerURL+"/pools", &out)
	return out.Pools, err
}

// SelectWrite asks for a write pool.
func (ts *TestSystem) SelectWrite(pnfsID string, size int64) (cluster.SelectPoolReply, error) {
	var reply cluster.SelectPoolReply
	_, err := ts.post(ts.managerURL+"/pools/select/write", cluster.SelectPoolRequest{
		FileAttributes: cluster.FileAttributes{PnfsID: pnfsID, StorageClass: "test:raw", Size: size},
	}, &reply)
	return reply, err
}

// SelectRead asks for a read pool among locations.
func (ts *TestSystem) SelectRead(pnfsID string, locations ...string) (cluster.SelectPoolReply, error) {
	var reply cluster.SelectPoolReply
	_, err := ts.post(ts.managerURL+"/pools/select/read", cluster.SelectPoolRequest{
		FileAttributes: cluster.FileAttributes{PnfsID: pnfsID, Locations: locations},
	}, &reply)
	return reply, err
}

// PutFile writes data to the pool at addr.
func (ts *TestSystem) PutFile(addr, pnfsID string, data []byte) (int, error) {
	req, err := http.NewRequest(http.MethodPut, addr+"/files/"+pnfsID+"?storage_class=test:raw", bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func TestPoolManager(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	for _, bin := range []string{"./bin/poolmanager", "./bin/pool"} {
		if _, err := os.Stat(bin); os.IsNotExist(err) {
			t.Skipf("Skipping integration test: %s not found (build it with 'go build -o test/integration/bin/ ./cmd/...')", bin)
		}
	}

	ts := NewTestSystem(t)
	require.NoError(t, ts.Start())
	defer ts.Stop()

	t.Run("PoolsComeUp", func(t *testing.T) {
		require.Eventually(t, func() bool {
			pools, err := ts.ActivePools()
			return err == nil && len(pools) == 2
		}, 5*time.Second, 100*time.Millisecond)
	})

	var written string
	t.Run("WriteThenRead", func(t *testing.T) {
		reply, err := ts.SelectWrite("0000A", 11)
		require.NoError(t, err)
		require.True(t, reply.OK(), "reply %+v", reply)
		assert.Equal(t, ts.poolURLs[reply.Pool], reply.Address)

		status, err := ts.PutFile(reply.Address, "0000A", []byte("hello world"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusCreated, status)
		written = reply.Pool

		read, err := ts.SelectRead("0000A", written)
		require.NoError(t, err)
		assert.Equal(t, written, read.Pool)
	})

	t.Run("FileNotOnline", func(t *testing.T) {
		reply, err := ts.SelectRead("0000B", "pool-z")
		require.NoError(t, err)
		assert.Equal(t, poolmanager.CodeFileNotOnline, reply.Code)
	})

	t.Run("ReadOnlyPoolTakesNoWrites", func(t *testing.T) {
		status, err := ts.post(ts.managerURL+"/pools/pool-a/rdonly", map[string]bool{"read_only": true}, nil)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, status)

		for i := 0; i < 5; i++ {
			reply, err := ts.SelectWrite(fmt.Sprintf("1000%d", i), 1)
			require.NoError(t, err)
			assert.Equal(t, "pool-b", reply.Pool)
		}

		_, err = ts.post(ts.managerURL+"/pools/pool-a/rdonly", map[string]bool{"read_only": false}, nil)
		require.NoError(t, err)
	})

	t.Run("PoolModeFromHeartbeat", func(t *testing.T) {
		status, err := ts.post(ts.poolURLs["pool-b"]+"/mode", map[string]string{"mode": "rdonly"}, nil)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, status)

		require.Eventually(t, func() bool {
			reply, err := ts.SelectWrite("20000", 1)
			return err == nil && reply.Pool == "pool-a"
		}, 5*time.Second, 200*time.Millisecond)

		_, err = ts.post(ts.poolURLs["pool-b"]+"/mode", map[string]string{"mode": "enabled"}, nil)
		require.NoError(t, err)
	})

	t.Run("GracefulShutdownMarksPoolDown", func(t *testing.T) {
		require.NoError(t, ts.StopPool("pool-a"))

		require.Eventually(t, func() bool {
			pools, err := ts.ActivePools()
			return err == nil && len(pools) == 1 && pools[0] == "pool-b"
		}, 5*time.Second, 100*time.Millisecond)

		reply, err := ts.SelectWrite("30000", 1)
		require.NoError(t, err)
		assert.Equal(t, "pool-b", reply.Pool)
	})

	t.Run("KilledPoolFoundByWatchdog", func(t *testing.T) {
		cmd := ts.pools["pool-b"]
		require.NoError(t, cmd.Process.Kill())
		_ = cmd.Wait()

		// death threshold 10s, scanned every 10s
		require.Eventually(t, func() bool {
			pools, err := ts.ActivePools()
			return err == nil && len(pools) == 0
		}, 30*time.Second, 500*time.Millisecond)

		reply, err := ts.SelectWrite("40000", 1)
		require.NoError(t, err)
		assert.Equal(t, poolmanager.CodeNoPoolOnline, reply.Code)
	})
}
