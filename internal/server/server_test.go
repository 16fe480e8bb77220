package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"agentbase/internal/actor"
	"agentbase/internal/app"
	"agentbase/internal/config"
)

const testSecret = "server-test-secret"

type testServer struct {
	URL      string
	client   *http.Client
	AgentKey string
	Session  string
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, cfg *config.Config) (*testServer, func()) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	a, err := app.Open(context.Background(), app.Options{
		Workspace: t.TempDir(),
		Config:    cfg,
		Env:       config.Env{SessionSecret: testSecret},
		Logger:    log,
	})
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	ctx := context.Background()
	if _, err := a.Engine.AddMember(ctx, "t1", "u1", "Ada"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	_, key, err := a.Engine.ProvisionAgent(ctx, "t1", "u1", "Scout")
	if err != nil {
		t.Fatalf("provision agent: %v", err)
	}
	session, err := actor.MintSession([]byte(testSecret), "u1", "t1", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("mint session: %v", err)
	}
	handler, err := New(Config{App: a, BasePath: "/v1"})
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
		URL:      "http://" + ln.Addr().String(),
		client:   &http.Client{},
		AgentKey: key,
		Session:  session,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func (s *testServer) agent() map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.AgentKey}
}

func (s *testServer) human() map[string]string {
	return map[string]string{"Cookie": "agentbase_session=" + s.Session}
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

type envelopeBody struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Details map[string]any  `json:"details"`
}

func decodeEnvelope(t *testing.T, data []byte) envelopeBody {
	t.Helper()
	var env envelopeBody
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope %s: %v", string(data), err)
	}
	return env
}

func TestHealthIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK || !decodeEnvelope(t, data).Success {
		t.Fatalf("health %d: %s", res.StatusCode, string(data))
	}
}

func TestMissingCredentialsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeEnvelope(t, data)
	if env.Success || env.Code != "unauthorized" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer ab_bogus"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unknown key rejected, got %d", res.StatusCode)
	}
}

func TestMeResolvesBothActorKinds(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	cases := []struct {
		headers map[string]string
		kind    string
	}{
		{srv.agent(), "agent"},
		{srv.human(), "human"},
	}
	for _, tc := range cases {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, tc.headers)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("me %d: %s", res.StatusCode, string(data))
		}
		var me MeResponse
		if err := json.Unmarshal(decodeEnvelope(t, data).Data, &me); err != nil {
			t.Fatalf("decode me: %v", err)
		}
		if string(me.Actor.Kind) != tc.kind || me.Actor.TenantID != "t1" || me.Actor.OwnerID != "u1" {
			t.Fatalf("unexpected actor %+v", me.Actor)
		}
	}
}

func TestCreateTaskAndDeletePolicy(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/entities/task", map[string]any{
		"fields": map[string]any{"title": "Ship it", "tags": []string{" Urgent", "urgent", "ops"}},
	}, srv.agent())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create %d: %s", res.StatusCode, string(data))
	}
	var created struct {
		ID     string         `json:"id"`
		Table  string         `json:"table"`
		Fields map[string]any `json:"fields"`
	}
	if err := json.Unmarshal(decodeEnvelope(t, data).Data, &created); err != nil {
		t.Fatalf("decode entity: %v", err)
	}
	tags, _ := created.Fields["tags"].([]any)
	if created.Table != "tasks" || len(tags) != 2 || created.Fields["status"] != "todo" {
		t.Fatalf("unexpected entity %+v", created)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/entities/tasks/"+created.ID, nil, srv.agent())
	if res.StatusCode != http.StatusForbidden || decodeEnvelope(t, data).Code != "forbidden" {
		t.Fatalf("expected agent delete forbidden, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/entities/tasks/"+created.ID, nil, srv.human())
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"mode":"hard"`) {
		t.Fatalf("expected hard delete, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/entities/tasks/"+created.ID, nil, srv.human())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected deleted task gone, got %d", res.StatusCode)
	}
}

func TestUnknownAssigneeListsCandidates(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/entities/tasks", map[string]any{
		"fields": map[string]any{"title": "Assign me", "assignee_id": "nobody"},
	}, srv.human())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeEnvelope(t, data)
	cands, _ := env.Details["candidates"].([]any)
	if env.Code != "validation_error" || len(cands) != 2 {
		t.Fatalf("expected roster in details, got %+v", env)
	}
}

func TestRateLimitSetsRetryAfter(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimit.Requests = 2
	srv, cleanup := newTestServer(t, cfg)
	defer cleanup()
	for i := 0; i < 2; i++ {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, srv.agent())
		if res.StatusCode != http.StatusOK {
			t.Fatalf("request %d: %d %s", i+1, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, srv.agent())
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", res.StatusCode, string(data))
	}
	if res.Header.Get("Retry-After") == "" || decodeEnvelope(t, data).Code != "rate_limited" {
		t.Fatalf("missing retry-after or code: %v %s", res.Header, string(data))
	}
	// The human shares no window with the agent.
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, srv.human())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected human allowed, got %d", res.StatusCode)
	}
}

func TestCommentsLinksAndActivity(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	create := func(table string, fields map[string]any) string {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/entities/"+table, map[string]any{"fields": fields}, srv.human())
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create %s %d: %s", table, res.StatusCode, string(data))
		}
		var ent struct {
			ID string `json:"id"`
		}
		json.Unmarshal(decodeEnvelope(t, data).Data, &ent)
		return ent.ID
	}
	taskID := create("tasks", map[string]any{"title": "Call Grace"})
	personID := create("people", map[string]any{"name": "Grace"})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/comments", map[string]any{
		"entity_type": "task", "entity_id": taskID, "body": "   ",
	}, srv.agent())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected blank comment rejected, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/comments", map[string]any{
		"entity_type": "task", "entity_id": taskID, "body": "Left a voicemail",
	}, srv.agent())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("comment %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/links", map[string]any{
		"source_type": "tasks", "source_id": taskID, "target_type": "people", "target_id": personID,
	}, srv.human())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("link %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/links", map[string]any{
		"source_type": "tasks", "source_id": taskID, "target_type": "tasks", "target_id": taskID,
	}, srv.human())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected self link rejected, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/links/people/"+personID+"/tasks/"+taskID, nil, srv.human())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unlink %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/activity?entity_type=task&entity_id="+taskID, nil, srv.human())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activity %d: %s", res.StatusCode, string(data))
	}
	var feed ActivityResponse
	if err := json.Unmarshal(decodeEnvelope(t, data).Data, &feed); err != nil {
		t.Fatalf("decode feed: %v", err)
	}
	// created, commented, linked; the unlink is logged against the person
	if feed.TotalEntries != 3 || len(feed.Items) == 0 {
		t.Fatalf("unexpected feed %+v", feed)
	}
}

func TestBatchUpdateReportsMissing(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/entities/batch", map[string]any{
		"table": "tasks", "ids": []string{}, "fields": map[string]any{"status": "done"},
	}, srv.human())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected empty batch rejected, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/entities/batch", map[string]any{
		"table": "tasks", "ids": []string{"ghost"}, "fields": map[string]any{"status": "done"},
	}, srv.human())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("batch %d: %s", res.StatusCode, string(data))
	}
	var out BatchUpdateResponse
	if err := json.Unmarshal(decodeEnvelope(t, data).Data, &out); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if len(out.Missing) != 1 || out.Missing[0] != "ghost" || len(out.Updated) != 0 {
		t.Fatalf("unexpected batch result %+v", out)
	}
}

func TestIdempotencyKeyLengthFollowsConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Commands.IdempotencyKeyMaxLength = 512
	srv, cleanup := newTestServer(t, cfg)
	defer cleanup()

	body := map[string]any{
		"fields":          map[string]any{"title": "Long key"},
		"idempotency_key": strings.Repeat("k", 300),
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/entities/tasks", body, srv.agent())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 300-char key accepted, got %d: %s", res.StatusCode, string(data))
	}
	body["idempotency_key"] = strings.Repeat("k", 513)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/entities/tasks", body, srv.agent())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 513-char key rejected, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeEnvelope(t, data)
	if env.Code != "validation_error" || env.Details["field"] != "idempotency_key" {
		t.Fatalf("expected idempotency_key validation error, got %+v", env)
	}
}
