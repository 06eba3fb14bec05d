package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"montage/internal/align"
	"montage/internal/config"
	"montage/internal/feature/featuretest"
	"montage/internal/pipeline"
	"montage/internal/storage"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T, store *storage.Store) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	pipe := pipeline.New(ctx, cfg.Processing, log, store, &cfg.Alignment, align.New(featuretest.Extractor{}, log))
	srv := httptest.NewServer(NewServer("", store, pipe, log).Handler(ctx))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		pipe.Stop()
	})
	return srv
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("unexpected health response %d %q", resp.StatusCode, body)
	}
}

func TestSubmitValidatesJobs(t *testing.T) {
	srv := newTestServer(t, nil)
	cases := map[string]string{
		"bad json":     `{`,
		"unknown type": `{"type":"panorama","input":"p.json"}`,
		"no input":     `{"type":"montage"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp := post(t, srv.URL+"/jobs", body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestWebsocketReceivesResults(t *testing.T) {
	srv := newTestServer(t, nil)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var hello map[string]any
	if err := conn.ReadJSON(&hello); err != nil || hello["type"] != "connected" {
		t.Fatalf("expected hello, got %v (%v)", hello, err)
	}

	missing := filepath.Join(t.TempDir(), "missing.json")
	resp := post(t, srv.URL+"/jobs", `{"type":"montage","input":"`+missing+`"}`)
	var accepted map[string]string
	json.NewDecoder(resp.Body).Decode(&accepted)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || accepted["id"] == "" {
		t.Fatalf("expected 202 with id, got %d %v", resp.StatusCode, accepted)
	}

	var msg resultMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "result" || msg.Job.ID != accepted["id"] || msg.Error == "" {
		t.Fatalf("unexpected message %+v", msg)
	}

	statusResp, err := http.Get(srv.URL + "/jobs/" + accepted["id"])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer statusResp.Body.Close()
	var st pipeline.Status
	json.NewDecoder(statusResp.Body).Decode(&st)
	if st.State != "failed" {
		t.Fatalf("expected failed job, got %+v", st)
	}
}

func TestJobLookups(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/jobs/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp, err = http.Get(srv.URL + "/jobs/nope/transforms")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without storage, got %d", resp.StatusCode)
	}
}

func TestTransformsEndpoint(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "montage.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()
	if err := store.RecordRun(storage.RunRecord{RunID: "r1", JobID: "j1", Operation: "montage", State: "complete"}); err != nil {
		t.Fatalf("record run: %v", err)
	}
	if err := store.RecordTransforms("r1", []storage.TransformRecord{{PatchID: "a", Affine: [6]float64{1, 0, 2, 0, 1, 3}, Visible: true}}); err != nil {
		t.Fatalf("record transforms: %v", err)
	}

	srv := newTestServer(t, store)
	resp, err := http.Get(srv.URL + "/jobs/j1/transforms")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		RunID      string                    `json:"run_id"`
		Transforms []storage.TransformRecord `json:"transforms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.RunID != "r1" || len(body.Transforms) != 1 || body.Transforms[0].Affine[2] != 2 {
		t.Fatalf("unexpected body %+v", body)
	}

	missing, err := http.Get(srv.URL + "/jobs/j2/transforms")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.StatusCode)
	}
}
