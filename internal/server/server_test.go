package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"rotaline/internal/config"
	"rotaline/internal/db"
	"rotaline/internal/engine"
	"rotaline/internal/migrate"
	rotalinesdk "rotaline/sdk/go"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	return newTestServerAuth(t, AuthConfig{})
}

func newTestServerAuth(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("primary")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitRoster(context.Background(), "primary", "Primary", "", "tester"); err != nil {
		t.Fatalf("init roster: %v", err)
	}
	if _, err := e.SetRotation(context.Background(), "primary", config.RotationConfig{
		Participants:         []string{"alice", "bob"},
		HandoverStartAt:      "2025-01-01T00:00:00Z",
		HandoverIntervalDays: 7,
	}, "tester"); err != nil {
		t.Fatalf("set rotation: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
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
	for k, v := range headers {
		req.Header.Set(k, v)
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

func decodeEntries(t *testing.T, data []byte) []EntryResponse {
	t.Helper()
	var entries []EntryResponse
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal entries: %v (%s)", err, string(data))
	}
	return entries
}

func checkEntries(t *testing.T, got []EntryResponse, want []EntryResponse) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestRenderScheduleStateless(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/schedule", map[string]any{
		"schedule": map[string]any{
			"users":                  []string{"alice", "bob"},
			"handover_start_at":      "2025-01-01T00:00:00Z",
			"handover_interval_days": 7,
		},
		"overrides": []map[string]any{
			{"user": "carol", "start_at": "2025-01-03T00:00:00Z", "end_at": "2025-01-05T00:00:00Z"},
		},
		"from":  "2025-01-01T00:00:00Z",
		"until": "2025-01-15T00:00:00Z",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("render status %d: %s", res.StatusCode, string(data))
	}
	checkEntries(t, decodeEntries(t, data), []EntryResponse{
		{User: "alice", StartAt: "2025-01-01T00:00:00Z", EndAt: "2025-01-03T00:00:00Z"},
		{User: "carol", StartAt: "2025-01-03T00:00:00Z", EndAt: "2025-01-05T00:00:00Z"},
		{User: "alice", StartAt: "2025-01-05T00:00:00Z", EndAt: "2025-01-08T00:00:00Z"},
		{User: "bob", StartAt: "2025-01-08T00:00:00Z", EndAt: "2025-01-15T00:00:00Z"},
	})
}

func TestRenderScheduleRejectsBadRequests(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/schedule", map[string]any{
		"from":  "2025-01-01T00:00:00Z",
		"until": "2025-01-15T00:00:00Z",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing schedule status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/schedule", map[string]any{
		"schedule": map[string]any{
			"users":                  []string{"alice"},
			"handover_start_at":      "2025-01-01T00:00:00Z",
			"handover_interval_days": 7,
		},
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing window status %d: %s", res.StatusCode, string(data))
	}
}

func TestRosterScheduleWithOverrides(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/rosters/primary/overrides", map[string]any{
		"user":     "carol",
		"start_at": "2025-01-03T00:00:00Z",
		"end_at":   "2025-01-05T00:00:00Z",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create override status %d: %s", res.StatusCode, string(data))
	}
	var created OverrideResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal override: %v", err)
	}
	if created.ID == "" || created.RosterID != "primary" {
		t.Fatalf("unexpected override: %+v", created)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/rosters/primary/schedule?from=2025-01-01T00:00:00Z&until=2025-01-08T00:00:00Z", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("schedule status %d: %s", res.StatusCode, string(data))
	}
	checkEntries(t, decodeEntries(t, data), []EntryResponse{
		{User: "alice", StartAt: "2025-01-01T00:00:00Z", EndAt: "2025-01-03T00:00:00Z"},
		{User: "carol", StartAt: "2025-01-03T00:00:00Z", EndAt: "2025-01-05T00:00:00Z"},
		{User: "alice", StartAt: "2025-01-05T00:00:00Z", EndAt: "2025-01-08T00:00:00Z"},
	})

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/rosters/primary/overrides", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list overrides status %d: %s", res.StatusCode, string(data))
	}
	var list struct {
		Items []OverrideResponse `json:"items"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal overrides: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].ID != created.ID {
		t.Fatalf("unexpected override list: %+v", list.Items)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/rosters/primary/overrides/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete override status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/rosters/primary/schedule?from=2025-01-01T00:00:00Z&until=2025-01-08T00:00:00Z", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("schedule after delete status %d: %s", res.StatusCode, string(data))
	}
	checkEntries(t, decodeEntries(t, data), []EntryResponse{
		{User: "alice", StartAt: "2025-01-01T00:00:00Z", EndAt: "2025-01-08T00:00:00Z"},
	})
}

func TestRosterScheduleRequiresWindow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/rosters/primary/schedule", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("unexpected error code %q", envelope.Error.Code)
	}
}

func TestRosterNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/rosters/ghost", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestRotationRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/rosters/primary/rotation", map[string]any{
		"users":                  []string{"alice", "bob", "carol"},
		"handover_start_at":      "2025-02-01T09:00:00Z",
		"handover_interval_days": 3,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set rotation status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/rosters/primary/rotation", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get rotation status %d: %s", res.StatusCode, string(data))
	}
	var rot RotationResponse
	if err := json.Unmarshal(data, &rot); err != nil {
		t.Fatalf("unmarshal rotation: %v", err)
	}
	if len(rot.Users) != 3 || rot.HandoverIntervalDays != 3 || rot.HandoverStartAt != "2025-02-01T09:00:00Z" {
		t.Fatalf("unexpected rotation: %+v", rot)
	}
}

func TestRotationRejectsEmptyUsers(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/rosters/primary/rotation", map[string]any{
		"users":                  []string{},
		"handover_start_at":      "2025-02-01T00:00:00Z",
		"handover_interval_days": 7,
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestEventsRecorded(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/rosters/primary/overrides", map[string]any{
		"user":     "dave",
		"start_at": "2025-03-01T00:00:00Z",
		"end_at":   "2025-03-02T00:00:00Z",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create override status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/rosters/primary/events?type=override.add", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var list struct {
		Items []struct {
			Type    string `json:"type"`
			ActorID string `json:"actor_id"`
		} `json:"items"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].Type != "override.add" {
		t.Fatalf("unexpected events: %+v", list.Items)
	}
	if list.Items[0].ActorID != "anonymous" {
		t.Fatalf("unexpected actor %q", list.Items[0].ActorID)
	}
}

func mintToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: subject})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestBearerAuth(t *testing.T) {
	srv, cleanup := newTestServerAuth(t, AuthConfig{JWTSecret: "topsecret"})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/rosters/primary", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no credentials status %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should stay open, got %d", res.StatusCode)
	}

	bad := mintToken(t, "othersecret", "mallory")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/rosters/primary", nil, map[string]string{
		"Authorization": "Bearer " + bad,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong-secret token status %d: %s", res.StatusCode, string(data))
	}

	noSubject := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{})
	signed, err := noSubject.SignedString([]byte("topsecret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/rosters/primary", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("subjectless token status %d: %s", res.StatusCode, string(data))
	}

	good := mintToken(t, "topsecret", "oncall-admin")
	headers := map[string]string{"Authorization": "Bearer " + good}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/rosters/primary/overrides", map[string]any{
		"user":     "carol",
		"start_at": "2025-01-03T00:00:00Z",
		"end_at":   "2025-01-05T00:00:00Z",
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("authenticated create status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/rosters/primary/events?type=override.add", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var list struct {
		Items []struct {
			ActorID string `json:"actor_id"`
		} `json:"items"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].ActorID != "oncall-admin" {
		t.Fatalf("expected actor from token subject, got %+v", list.Items)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServerAuth(t, AuthConfig{JWTSecret: "topsecret"})
	defer cleanup()
	client := srv.Client()

	plain, _, err := srv.Engine.CreateAPIKey(context.Background(), "robot-7", "ci")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/rosters/primary", nil, map[string]string{
		"X-Api-Key": "rk_bogus",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus key status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/rosters/primary", nil, map[string]string{
		"X-Api-Key": plain,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key status %d: %s", res.StatusCode, string(data))
	}
}

func TestSDKClientRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	c := rotalinesdk.New(srv.URL, "primary")

	entries, err := c.Render(ctx, rotalinesdk.ScheduleSpec{
		Users:                []string{"alice", "bob"},
		HandoverStartAt:      "2025-01-01T00:00:00Z",
		HandoverIntervalDays: 7,
	}, nil, "2025-01-01T00:00:00Z", "2025-01-08T00:00:00Z")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(entries) != 1 || entries[0].User != "alice" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	o, err := c.AddOverride(ctx, "carol", "2025-01-03T00:00:00Z", "2025-01-05T00:00:00Z")
	if err != nil {
		t.Fatalf("add override: %v", err)
	}
	if o.ID == "" || o.User != "carol" {
		t.Fatalf("unexpected override: %+v", o)
	}

	events, err := c.Events(ctx, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var found bool
	for _, evt := range events {
		if evt.Type != "override.add" {
			continue
		}
		found = true
		if evt.Payload == nil || evt.Payload["user"] != "carol" {
			t.Fatalf("payload not decoded: %+v", evt)
		}
	}
	if !found {
		t.Fatal("override.add event not returned")
	}

	if err := c.RemoveOverride(ctx, o.ID); err != nil {
		t.Fatalf("remove override: %v", err)
	}
	overrides, err := c.Overrides(ctx)
	if err != nil {
		t.Fatalf("list overrides: %v", err)
	}
	if len(overrides) != 0 {
		t.Fatalf("expected no overrides, got %+v", overrides)
	}
}
