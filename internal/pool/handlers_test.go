package pool

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/poolmanager/internal/cluster"
)

func newTestServer(t *testing.T, capacity int64) (*Pool, *httptest.Server) {
	t.Helper()
	log, _ := test.NewNullLogger()
	p := newTestPool(capacity, 2)
	ts := httptest.NewServer(p.Routes(log))
	t.Cleanup(ts.Close)
	return p, ts
}

func do(t *testing.T, method, url string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestFileLifecycle(t *testing.T) {
	_, ts := newTestServer(t, 1000)

	resp := do(t, http.MethodPut, ts.URL+"/files/0000A?storage_class=raw", []byte("payload"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/files/0000A", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))
	assert.Equal(t, "raw", resp.Header.Get("X-Storage-Class"))

	resp = do(t, http.MethodGet, ts.URL+"/files", nil)
	var list struct {
		Files []string `json:"files"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, []string{"0000A"}, list.Files)

	resp = do(t, http.MethodDelete, ts.URL+"/files/0000A", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/files/0000A", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPutWithoutSpace(t *testing.T) {
	_, ts := newTestServer(t, 4)

	resp := do(t, http.MethodPut, ts.URL+"/files/0000A", []byte("too large"))
	assert.Equal(t, http.StatusInsufficientStorage, resp.StatusCode)
}

func TestModeEndpoint(t *testing.T) {
	p, ts := newTestServer(t, 1000)

	body, _ := json.Marshal(ModeRequest{Mode: "rdonly", Code: 3, Message: "draining"})
	resp := do(t, http.MethodPost, ts.URL+"/mode", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "disabled(rdonly)", info.Mode)
	assert.Equal(t, cluster.ModeDisabledRdOnly, p.Mode())

	resp = do(t, http.MethodPut, ts.URL+"/files/0000A", []byte("x"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/mode", []byte(`{"mode":"sleepy"}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/mode", []byte(`{`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInfoAndHealth(t *testing.T) {
	_, ts := newTestServer(t, 1000)

	resp := do(t, http.MethodGet, ts.URL+"/info", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "pool-a", info.Name)
	assert.Equal(t, uint64(42), info.Serial)

	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, ts.URL+"/health", nil).StatusCode)
}
