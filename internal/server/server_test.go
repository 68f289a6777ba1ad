package server

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/snapload/internal/app"
	"github.com/ternarybob/snapload/internal/common"
)

// fakeTool writes one mp3 into the directory of the -o template
const fakeTool = `#!/bin/sh
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then out="$2"; fi
  shift
done
dir=$(dirname "$out")
printf 'audio' > "$dir/track.mp3"
echo "[download] done"
exit 0
`

func newTestServer(t *testing.T, adminEnabled bool) (*Server, *httptest.Server) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake fetch tool is a shell script")
	}

	root := t.TempDir()
	tool := filepath.Join(root, "fake-ytdlp.sh")
	require.NoError(t, os.WriteFile(tool, []byte(fakeTool), 0755))

	cfg := common.NewDefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Storage.Badger.Path = filepath.Join(root, "db")
	cfg.Storage.Paths.DataDir = root
	cfg.Downloads.YtDlpPath = tool
	cfg.Downloads.GracePeriod = "1s"
	cfg.Cleanup.Enabled = false
	cfg.Cleanup.AdminEnabled = adminEnabled
	cfg.Cleanup.AdminTriggerInterval = "0s"
	cfg.WebSocket.ThrottleInterval = "0s"

	application, err := app.New(cfg, arbor.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { application.Close() })

	srv := New(application)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func getJSON(t *testing.T, target string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(target)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestServer_DownloadLifecycle(t *testing.T) {
	_, ts := newTestServer(t, false)

	resp, err := http.Post(ts.URL+"/api/downloads", "application/json",
		strings.NewReader(`{"url":"https://example.com/watch?v=abc","kind":"audio"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	id := created["job_id"]
	require.True(t, common.IsJobID(id))

	require.Eventually(t, func() bool {
		_, body := getJSON(t, ts.URL+"/api/downloads/"+id)
		return body["status"] == "success"
	}, 10*time.Second, 50*time.Millisecond)

	status, body := getJSON(t, ts.URL+"/api/downloads/"+id+"/log?lines=50")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body["lines"], "[download] done")

	// The index row follows the terminal record
	query := url.Values{"url": {"https://example.com/watch?v=abc"}, "kind": {"audio"}}
	require.Eventually(t, func() bool {
		_, body := getJSON(t, ts.URL+"/api/downloads/availability?"+query.Encode())
		return body["status"] == "ready"
	}, 5*time.Second, 50*time.Millisecond)

	status, body = getJSON(t, ts.URL+"/api/downloads/"+id+"/files")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["files"], 1)

	fileResp, err := http.Get(ts.URL + "/api/downloads/" + id + "/files/track.mp3")
	require.NoError(t, err)
	served, err := io.ReadAll(fileResp.Body)
	fileResp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, fileResp.StatusCode)
	assert.Equal(t, "audio", string(served))
	assert.Contains(t, fileResp.Header.Get("Content-Disposition"), "track.mp3")

	archiveResp, err := http.Get(ts.URL + "/api/downloads/" + id + "/archive")
	require.NoError(t, err)
	archiveResp.Body.Close()
	assert.Equal(t, http.StatusOK, archiveResp.StatusCode)
	assert.Equal(t, "application/zip", archiveResp.Header.Get("Content-Type"))

	// Terminal jobs cannot be cancelled
	resp, err = http.Post(ts.URL+"/api/downloads/"+id+"/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_RoutingErrors(t *testing.T) {
	_, ts := newTestServer(t, false)

	status, body := getJSON(t, ts.URL+"/api/nothing-here")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "error", body["status"])

	status, _ = getJSON(t, ts.URL+"/api/downloads/"+common.NewJobID()+"/extra/segments")
	assert.Equal(t, http.StatusNotFound, status)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/downloads/"+common.NewJobID(), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	// Admin surface is off by default
	status, _ = getJSON(t, ts.URL+"/api/admin/storage")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServer_AdminRoutesWhenEnabled(t *testing.T) {
	_, ts := newTestServer(t, true)

	resp, err := http.Post(ts.URL+"/api/admin/cleanup", "application/json", strings.NewReader(`{"dry_run":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var run map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	assert.Equal(t, true, run["dry_run"])
	assert.Equal(t, "manual", run["trigger"])

	status, body := getJSON(t, ts.URL+"/api/admin/storage")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "total_bytes")

	resp, err = http.Get(ts.URL + "/api/admin/cleanup/runs")
	require.NoError(t, err)
	defer resp.Body.Close()
	var runs []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	assert.Len(t, runs, 1)
}

func TestServer_PreflightAndHealth(t *testing.T) {
	_, ts := newTestServer(t, false)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/downloads", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	status, body := getJSON(t, ts.URL+"/api/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestServer_JobStreamBypassesMiddleware(t *testing.T) {
	_, ts := newTestServer(t, false)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+jobStreamPath, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg struct {
		Type string `json:"type"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "hello", msg.Type)
}

func TestRecoveryMiddleware_ReturnsJSON(t *testing.T) {
	srv, _ := newTestServer(t, false)

	handler := srv.recoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"error"`)
}

func TestStart_ReturnsBindError(t *testing.T) {
	srv, _ := newTestServer(t, false)

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	srv.server.Addr = busy.Addr().String()
	assert.Error(t, srv.Start())
}
