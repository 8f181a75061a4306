package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/daviddfraser-source/control-plane/internal/app"
	"github.com/daviddfraser-source/control-plane/internal/doctor"
	"github.com/daviddfraser-source/control-plane/internal/engine"
	"github.com/daviddfraser-source/control-plane/internal/server"
)

const testSecret = "server-test-secret"

const testDefinition = `{
  "schema_version": "1.0",
  "project": "demo",
  "areas": [{"id": "A1", "title": "Foundations"}],
  "packets": [
    {"id": "P-001", "wbs_ref": "1.1", "area_id": "A1", "title": "Base", "scope": "lay base"},
    {"id": "P-002", "wbs_ref": "1.2", "area_id": "A1", "title": "Walls", "scope": "raise walls", "dependencies": ["P-001"]}
  ]
}`

type testServer struct {
	URL     string
	Runtime *app.Runtime
	client  *http.Client
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	root := t.TempDir()
	defPath := filepath.Join(root, "def-input.json")
	if err := os.WriteFile(defPath, []byte(testDefinition), 0o644); err != nil {
		t.Fatalf("write definition: %v", err)
	}
	now := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := engine.InitRoot(ctx, engine.InitRootOptions{
		Root:           root,
		DefinitionPath: defPath,
		Now:            now,
	}); err != nil {
		t.Fatalf("init root: %v", err)
	}
	rt, err := app.Open(ctx, app.Options{Root: root, Now: now})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	handler, err := server.New(server.Config{
		Runtime: rt,
		Auth:    server.AuthConfig{JWTSecret: testSecret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:     "http://" + ln.Addr().String(),
		Runtime: rt,
		client:  &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			rt.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func signToken(t *testing.T, actor, role string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": actor}
	if role != "" {
		claims["role"] = role
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, token string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealthIsOpen(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	var health server.HealthResponse
	if err := json.Unmarshal(data, &health); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if health.Status != "ok" || !health.Healthy {
		t.Fatalf("health = %+v", health)
	}
}

func TestAuthEnforcedUnderBasePath(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/status", nil, "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status %d, want 401", res.StatusCode)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/status", nil, "garbage")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: status %d, want 401", res.StatusCode)
	}

	// Reviewers cannot claim work.
	reviewer := signToken(t, "agent-rev", "reviewer")
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/packets/P-001/claim", map[string]any{}, reviewer)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("reviewer claim: status %d, want 403: %s", res.StatusCode, string(data))
	}
}

func TestClaimDoneFlow(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	operator := signToken(t, "agent-a", "operator")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/packets/P-001/claim", map[string]any{}, operator)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	var claimed server.PacketResult
	if err := json.Unmarshal(data, &claimed); err != nil {
		t.Fatalf("unmarshal claim: %v", err)
	}
	if !claimed.OK || claimed.State.Status != "in_progress" || claimed.State.AssignedTo != "agent-a" {
		t.Fatalf("claim result = %+v", claimed)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/packets/P-001/heartbeat", map[string]any{
		"status":    "in_progress",
		"decisions": []string{"kept two-file layout"},
	}, operator)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/packets/P-001/done", map[string]any{
		"evidence":      "base laid, checks green",
		"residual_risk": "none",
	}, operator)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("done status %d: %s", res.StatusCode, string(data))
	}
	var done server.PacketResult
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal done: %v", err)
	}
	if done.State.Status != "done" {
		t.Fatalf("status after done = %s", done.State.Status)
	}

	// A terminal packet cannot be reclaimed: governance rejection is 409
	// with the machine code in the envelope.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/packets/P-001/claim", map[string]any{}, operator)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("reclaim status %d, want 409: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			OK   bool   `json:"ok"`
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.OK || envelope.Error.Code != "already_terminal" {
		t.Fatalf("error envelope = %+v", envelope)
	}
}

func TestDependencyGateMapsToPreconditionFailed(t *testing.T) {
	srv := newTestServer(t)
	operator := signToken(t, "agent-a", "operator")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/packets/P-002/claim", map[string]any{}, operator)
	if res.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("claim with unmet deps: status %d, want 412: %s", res.StatusCode, string(data))
	}
}

func TestUnknownPacketIs404(t *testing.T) {
	srv := newTestServer(t)
	operator := signToken(t, "agent-a", "operator")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/packets/P-404/claim", map[string]any{}, operator)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown packet: status %d, want 404: %s", res.StatusCode, string(data))
	}
}

func TestMutationsRefusedWhenUnhealthy(t *testing.T) {
	srv := newTestServer(t)
	// Simulate a failed startup doctor pass in fail-open mode.
	srv.Runtime.Report = doctor.Report{
		OK:       false,
		Mode:     "fast",
		Failures: []string{"P-001: runtime state does not match committed post state"},
	}
	operator := signToken(t, "agent-a", "operator")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/packets/P-001/claim", map[string]any{}, operator)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("claim while unhealthy: status %d, want 503: %s", res.StatusCode, string(data))
	}

	// Reads stay available.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/ready", nil, operator)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ready while unhealthy: status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/integrity", nil, operator)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("integrity status %d: %s", res.StatusCode, string(data))
	}
	var integ server.IntegrityResponse
	if err := json.Unmarshal(data, &integ); err != nil {
		t.Fatalf("unmarshal integrity: %v", err)
	}
	if integ.Healthy || len(integ.Report.Failures) != 1 {
		t.Fatalf("integrity = %+v", integ)
	}
}
