package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/config"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/notify"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_err"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/policy"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/proxy"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/socket"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/store"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/vault"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/vault/vaulttest"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/workflow"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	t     *testing.T
	fake  *vaulttest.Server
	store *store.MemoryStore
	hub   *socket.Hub
	http  *httptest.Server
	uiDir string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	fake := vaulttest.New(t)
	fake.AddToken("hvs.server", vaulttest.Token{EntityID: "ent-server", DisplayName: "vault-pam"})
	fake.AddToken("hvs.req", vaulttest.Token{EntityID: "ent-req", DisplayName: "req"})
	fake.AddToken("hvs.a1", vaulttest.Token{EntityID: "ent-a1", DisplayName: "approver-1", Policies: []string{"pam-approver"}})
	fake.AddToken("hvs.admin", vaulttest.Token{EntityID: "ent-admin", DisplayName: "admin", Policies: []string{"pam-admin"}})
	fake.AddUserpass("alice", "correct-horse", "hvs.alice", vaulttest.Token{
		EntityID: "ent-alice", DisplayName: "userpass-alice", Meta: map[string]string{"username": "alice"},
	})
	fake.AddSecret("secret/data/app/db", map[string]any{"password": "s3cret"})

	uiDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(uiDir, "index.html"), []byte("<html>pam</html>"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(uiDir, "app.js"), []byte("console.log(1)"), 0o600))

	cfg := &config.Config{
		Server: config.ServerConfig{
			Listen: "127.0.0.1:0", UIDir: uiDir,
			ReadTimeout: 5 * time.Second, ShutdownTimeout: time.Second,
		},
		Vault: config.VaultConfig{
			Address: fake.URL, Timeout: 5 * time.Second, WrapTTL: 10 * time.Minute,
			AdminPolicies: []string{"pam-admin"},
		},
		Workflow: config.WorkflowConfig{RequiredApprovals: 1, ApproverPolicies: []string{"pam-approver"}},
		Socket:   config.SocketConfig{Backplane: "none", SendBuffer: 16, PingInterval: time.Second},
	}

	f, err := vault.NewFactory(cfg.Vault)
	require.NoError(t, err)
	server, err := vault.NewServerIdentity(ctx, f, config.VaultAuthConfig{Method: "token", Token: "hvs.server"})
	require.NoError(t, err)
	pol, err := policy.New(ctx, cfg.Workflow)
	require.NoError(t, err)

	st := store.NewMemoryStore()
	hub := socket.NewHub(cfg.Socket, nil)
	t.Cleanup(hub.Close)
	wf := workflow.New(workflow.Deps{
		Store:    st,
		Vault:    f,
		Server:   server,
		Policy:   pol,
		Notifier: notify.New(hub, nil, st, cfg.Workflow.ApproverPolicies),
		Workflow: cfg.Workflow,
		WrapTTL:  cfg.Vault.WrapTTL,
	})
	px, err := proxy.New(f, nil)
	require.NoError(t, err)

	srv := New(Deps{Config: cfg, Vault: f, Server: server, Workflow: wf, Store: st, Hub: hub, Proxy: px})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &env{t: t, fake: fake, store: st, hub: hub, http: ts, uiDir: uiDir}
}

func (e *env) do(method, path, token string, body any) (int, []byte) {
	e.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(e.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rd)
	require.NoError(e.t, err)
	if token != "" {
		req.Header.Set("X-Vault-Token", token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(e.t, err)
	return resp.StatusCode, out
}

func (e *env) json(method, path, token string, body any, want int, into any) {
	e.t.Helper()
	code, raw := e.do(method, path, token, body)
	require.Equal(e.t, want, code, string(raw))
	if into != nil {
		require.NoError(e.t, json.Unmarshal(raw, into), string(raw))
	}
}

func errorsOf(t *testing.T, raw []byte) []string {
	t.Helper()
	var env pam_err.Envelope
	require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	return env.Errors
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	var rep healthReport
	e.json(http.MethodGet, "/rest/health", "", nil, http.StatusOK, &rep)
	assert.Equal(t, "ok", rep.Status)
	assert.Equal(t, "ok", rep.Database.Status)
	assert.Equal(t, "ok", rep.Vault[e.fake.URL].Status)
}

func TestAuthentication(t *testing.T) {
	e := newEnv(t)

	code, raw := e.do(http.MethodGet, "/rest/session/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, []string{"missing vault token"}, errorsOf(t, raw))

	code, _ = e.do(http.MethodGet, "/rest/session/me", "hvs.bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, raw = e.do(http.MethodGet, "/rest/nope", "hvs.req", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.NotEmpty(t, errorsOf(t, raw))

	req, err := http.NewRequest(http.MethodGet, e.http.URL+"/rest/session/me", nil)
	require.NoError(t, err)
	req.Header.Set("X-Vault-Token", "hvs.req")
	req.Header.Set("X-Vault-Domain", "https://elsewhere.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestLogin(t *testing.T) {
	e := newEnv(t)

	var sess session
	e.json(http.MethodPost, "/rest/session/login", "", map[string]string{
		"method": "userpass", "username": "alice", "password": "correct-horse",
	}, http.StatusOK, &sess)
	assert.Equal(t, "hvs.alice", sess.Token)
	assert.Equal(t, "ent-alice", sess.Identity.EntityID)
	assert.Equal(t, "alice", sess.Identity.Name)
	require.NotNil(t, sess.User)
	assert.NotNil(t, sess.User.LastLoginAt)

	u, err := e.store.GetUser(context.Background(), "ent-alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Name)

	code, raw := e.do(http.MethodPost, "/rest/session/login", "", map[string]string{
		"method": "userpass", "username": "alice", "password": "wrong",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, []string{"invalid username or password"}, errorsOf(t, raw))

	e.json(http.MethodPost, "/rest/session/login", "", map[string]string{"method": "token", "token": "hvs.a1"}, http.StatusOK, &sess)
	assert.True(t, sess.Approver)
	assert.False(t, sess.Admin)

	tests := []struct {
		name string
		body map[string]string
	}{
		{"unknown method", map[string]string{"method": "github"}},
		{"token missing", map[string]string{"method": "token"}},
		{"password missing", map[string]string{"method": "ldap", "username": "bob"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := e.do(http.MethodPost, "/rest/session/login", "", tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
		})
	}
}

func TestMeAndLogout(t *testing.T) {
	e := newEnv(t)

	var sess session
	e.json(http.MethodGet, "/rest/session/me", "hvs.admin", nil, http.StatusOK, &sess)
	assert.True(t, sess.Admin)
	assert.False(t, sess.Approver)
	assert.Empty(t, sess.Token)

	code, _ := e.do(http.MethodPost, "/rest/session/logout", "hvs.admin", nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = e.do(http.MethodGet, "/rest/session/me", "hvs.admin", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (e *env) dial(token string) *websocket.Conn {
	e.t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/rest/socket?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { conn.Close() })
	require.Eventually(e.t, func() bool { return e.hub.Count() > 0 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestRequestLifecycle(t *testing.T) {
	e := newEnv(t)
	approverSock := e.dial("hvs.a1")

	var created struct {
		ID     uint   `json:"id"`
		Status string `json:"status"`
	}
	body := map[string]any{"path": "secret/data/app/db", "justification": "deploy"}
	e.json(http.MethodPost, "/rest/requests", "hvs.req", body, http.StatusCreated, &created)
	assert.Equal(t, "PENDING", created.Status)

	f := readFrame(t, approverSock)
	assert.Equal(t, "request:created", f.Event)
	assert.NotContains(t, string(f.Data), "wrapToken")

	var again struct{ ID uint }
	e.json(http.MethodPost, "/rest/requests", "hvs.req", body, http.StatusOK, &again)
	assert.Equal(t, created.ID, again.ID)

	id := itoa(created.ID)
	code, _ := e.do(http.MethodPost, "/rest/requests/"+id+"/approve", "hvs.req", map[string]string{})
	assert.Equal(t, http.StatusForbidden, code, "self approval")

	var approved map[string]any
	e.json(http.MethodPost, "/rest/requests/"+id+"/approve", "hvs.a1", map[string]string{"comment": "ok"}, http.StatusOK, &approved)
	assert.Equal(t, "APPROVED", approved["status"])
	assert.NotContains(t, approved, "wrapToken")

	var list struct {
		Requests []map[string]any `json:"requests"`
	}
	e.json(http.MethodGet, "/rest/requests?scope=mine", "hvs.req", nil, http.StatusOK, &list)
	require.Len(t, list.Requests, 1)
	e.json(http.MethodGet, "/rest/requests?scope=approvals&status=APPROVED", "hvs.a1", nil, http.StatusOK, &list)
	require.Len(t, list.Requests, 1)
	code, _ = e.do(http.MethodGet, "/rest/requests?scope=approvals", "hvs.req", nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = e.do(http.MethodGet, "/rest/requests?limit=lots", "hvs.req", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	var opened struct {
		Secret struct {
			Data map[string]any `json:"data"`
		} `json:"secret"`
	}
	e.json(http.MethodPost, "/rest/requests/"+id+"/open", "hvs.req", nil, http.StatusOK, &opened)
	assert.Equal(t, "s3cret", opened.Secret.Data["password"])

	code, _ = e.do(http.MethodPost, "/rest/requests/"+id+"/open", "hvs.req", nil)
	assert.Equal(t, http.StatusGone, code)
}

func TestRequestRejectAndCancel(t *testing.T) {
	e := newEnv(t)

	var a, b struct{ ID uint }
	e.json(http.MethodPost, "/rest/requests", "hvs.req", map[string]any{"path": "secret/data/a"}, http.StatusCreated, &a)
	e.json(http.MethodPost, "/rest/requests", "hvs.req", map[string]any{"path": "secret/data/b"}, http.StatusCreated, &b)

	var out map[string]any
	e.json(http.MethodPost, "/rest/requests/"+itoa(a.ID)+"/reject", "hvs.a1", map[string]string{"comment": "no"}, http.StatusOK, &out)
	assert.Equal(t, "REJECTED", out["status"])

	code, _ := e.do(http.MethodPost, "/rest/requests/"+itoa(b.ID)+"/cancel", "hvs.a1", nil)
	assert.Equal(t, http.StatusForbidden, code)
	e.json(http.MethodPost, "/rest/requests/"+itoa(b.ID)+"/cancel", "hvs.req", nil, http.StatusOK, &out)
	assert.Equal(t, "CANCELED", out["status"])

	code, _ = e.do(http.MethodPost, "/rest/requests/"+itoa(b.ID)+"/cancel", "hvs.req", nil)
	assert.Equal(t, http.StatusConflict, code)
}

func TestRequestInputErrors(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"missing path", http.MethodPost, "/rest/requests", map[string]any{}, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/rest/requests", "not an object", http.StatusBadRequest},
		{"control group without accessor", http.MethodPost, "/rest/requests/controlgroup", map[string]any{"path": "secret/x"}, http.StatusBadRequest},
		{"zero id", http.MethodGet, "/rest/requests/0", nil, http.StatusBadRequest},
		{"non numeric id", http.MethodGet, "/rest/requests/abc", nil, http.StatusNotFound},
		{"unknown id", http.MethodGet, "/rest/requests/999", nil, http.StatusNotFound},
		{"bad status filter", http.MethodGet, "/rest/requests?status=OPEN", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, raw := e.do(tt.method, tt.path, "hvs.req", tt.body)
			assert.Equal(t, tt.want, code, string(raw))
			assert.NotEmpty(t, errorsOf(t, raw))
		})
	}
}

func TestUsers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.json(http.MethodPost, "/rest/session/login", "", map[string]string{"method": "token", "token": "hvs.req"}, http.StatusOK, nil)
	e.json(http.MethodPost, "/rest/session/login", "", map[string]string{"method": "token", "token": "hvs.a1"}, http.StatusOK, nil)

	var list struct {
		Users []map[string]any `json:"users"`
	}
	e.json(http.MethodGet, "/rest/users", "hvs.req", nil, http.StatusOK, &list)
	assert.Len(t, list.Users, 2)
	e.json(http.MethodGet, "/rest/users?approvers=true", "hvs.req", nil, http.StatusOK, &list)
	require.Len(t, list.Users, 1)
	assert.Equal(t, "ent-a1", list.Users[0]["entityId"])

	var u map[string]any
	e.json(http.MethodPut, "/rest/users/ent-req", "hvs.req", map[string]string{"email": "req@example.com"}, http.StatusOK, &u)
	assert.Equal(t, "req@example.com", u["email"])

	code, _ := e.do(http.MethodPut, "/rest/users/ent-a1", "hvs.req", map[string]string{"email": "x@example.com"})
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = e.do(http.MethodPut, "/rest/users/ent-req", "hvs.req", map[string]string{"email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, code)
	e.json(http.MethodPut, "/rest/users/ent-a1", "hvs.admin", map[string]string{"email": "a1@example.com"}, http.StatusOK, nil)
	code, _ = e.do(http.MethodPut, "/rest/users/ent-nobody", "hvs.admin", map[string]string{"email": "n@example.com"})
	assert.Equal(t, http.StatusNotFound, code)

	e.json(http.MethodGet, "/rest/users/ent-a1", "hvs.req", nil, http.StatusOK, &u)
	assert.Equal(t, "a1@example.com", u["email"])
	code, _ = e.do(http.MethodGet, "/rest/users/ent-nobody", "hvs.req", nil)
	assert.Equal(t, http.StatusNotFound, code)

	e.fake.AddEntity(vaulttest.Entity{ID: "ent-bob", Name: "bob", Email: "bob@example.com", Policies: []string{"pam-approver"}})
	code, _ = e.do(http.MethodPost, "/rest/users/sync", "hvs.req", nil)
	assert.Equal(t, http.StatusForbidden, code)
	var res struct{ Synced int }
	e.json(http.MethodPost, "/rest/users/sync", "hvs.admin", nil, http.StatusOK, &res)
	assert.Equal(t, 1, res.Synced)
	bob, err := e.store.GetUser(ctx, "ent-bob")
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", bob.Email)
}

func TestSecrets(t *testing.T) {
	e := newEnv(t)
	e.fake.AddMount("kv/", vaulttest.Mount{Type: "kv", Version: "1"})
	e.fake.AddMount("secret/", vaulttest.Mount{Type: "kv", Version: "2"})
	e.fake.AddSecret("kv/app/db", map[string]any{"u": "x"})
	e.fake.AddSecret("kv/app/api", map[string]any{"k": "y"})
	e.fake.AddSecret("kv/app/nested/one", map[string]any{"z": "1"})

	var engines struct {
		Engines []map[string]string `json:"engines"`
	}
	e.json(http.MethodGet, "/rest/secrets/engines", "hvs.req", nil, http.StatusOK, &engines)
	require.Len(t, engines.Engines, 2)
	assert.Equal(t, "kv/", engines.Engines[0]["path"])
	assert.Equal(t, "kv-v2", engines.Engines[1]["type"])

	var listing Listing
	e.json(http.MethodGet, "/rest/secrets/list?path=kv/app", "hvs.req", nil, http.StatusOK, &listing)
	assert.Equal(t, "kv", listing.EngineType)
	byName := map[string]SecretKey{}
	for _, k := range listing.Keys {
		byName[k.Name] = k
	}
	require.Len(t, byName, 3)
	assert.True(t, byName["nested/"].Folder)
	assert.Empty(t, byName["nested/"].Capabilities)
	assert.Equal(t, []string{"read"}, byName["db"].Capabilities)
	assert.Equal(t, "kv/app/db", byName["db"].Path)

	var caps struct {
		Path         string   `json:"path"`
		Capabilities []string `json:"capabilities"`
	}
	e.json(http.MethodGet, "/rest/secrets/capabilities?path=secret/app/db", "hvs.req", nil, http.StatusOK, &caps)
	assert.Equal(t, "secret/data/app/db", caps.Path)
	assert.Equal(t, []string{"read"}, caps.Capabilities)

	code, _ := e.do(http.MethodGet, "/rest/secrets/list", "hvs.req", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestProxyMetricsAndUI(t *testing.T) {
	e := newEnv(t)

	code, raw := e.do(http.MethodGet, "/v1/sys/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(raw), "initialized")

	code, raw = e.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(raw), "vault_pam_http_requests_total")

	code, raw = e.do(http.MethodGet, "/app.js", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "console.log(1)", string(raw))

	for _, p := range []string{"/", "/requests/12", "/deep/client/route"} {
		code, raw = e.do(http.MethodGet, p, "", nil)
		assert.Equal(t, http.StatusOK, code, p)
		assert.Equal(t, "<html>pam</html>", string(raw), p)
	}
}

func TestSocketRejectsBadToken(t *testing.T) {
	e := newEnv(t)
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/rest/socket?token=hvs.bogus"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeShutsDown(t *testing.T) {
	fake := vaulttest.New(t)
	cfg := &config.Config{Server: config.ServerConfig{Listen: "127.0.0.1:0", ReadTimeout: time.Second, ShutdownTimeout: time.Second}}
	f, err := vault.NewFactory(config.VaultConfig{Address: fake.URL})
	require.NoError(t, err)
	srv := New(Deps{Config: cfg, Vault: f, Store: store.NewMemoryStore(), Hub: socket.NewHub(config.SocketConfig{}, nil)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
