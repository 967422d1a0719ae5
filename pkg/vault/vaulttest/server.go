// pkg/vault/vaulttest/server.go
//
// Package vaulttest runs an in-process fake of the Vault endpoints the
// server uses, for tests in any package.
package vaulttest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// Token is a client token known to the fake.
type Token struct {
	EntityID    string
	DisplayName string
	Policies    []string
	Accessor    string
	Meta        map[string]string
}

// Entity is an identity entity.
type Entity struct {
	ID       string
	Name     string
	Policies []string
	Email    string
}

// Mount is a secrets engine listed by sys/internal/ui/mounts.
type Mount struct {
	Type    string
	Version string
}

// ControlGroup tracks approvals on a wrapping accessor.
type ControlGroup struct {
	Accessor          string
	WrapToken         string
	RequestPath       string
	RequestEntityID   string
	RequestEntityName string
	Required          int
	Authorizations    []string
	Data              map[string]any
}

func (cg *ControlGroup) approved() bool { return len(cg.Authorizations) >= cg.Required }

// Write is a recorded write request.
type Write struct {
	Path  string
	Token string
	Data  map[string]any
}

type wrapped struct {
	data      map[string]any
	expiresAt time.Time
	accessor  string
}

// Server is the fake.
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	tokens        map[string]Token
	userpass      map[string]string
	secrets       map[string]map[string]any
	mounts        map[string]Mount
	entities      map[string]Entity
	wraps         map[string]*wrapped
	controlGroups map[string]*ControlGroup
	writes        []Write
	revoked       []string
	seq           int
	now           func() time.Time
}

// New starts the fake and closes it when the test ends.
func New(t testing.TB) *Server {
	s := &Server{
		tokens:        map[string]Token{},
		userpass:      map[string]string{},
		secrets:       map[string]map[string]any{},
		mounts:        map[string]Mount{},
		entities:      map[string]Entity{},
		wraps:         map[string]*wrapped{},
		controlGroups: map[string]*ControlGroup{},
		now:           time.Now,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// AddToken registers a client token.
func (s *Server) AddToken(token string, t Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Accessor == "" {
		t.Accessor = "acc-" + token
	}
	s.tokens[token] = t
}

// AddUserpass registers a userpass login that yields token.
func (s *Server) AddUserpass(username, password, token string, t Token) {
	s.AddToken(token, t)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userpass[username] = password + "\x00" + token
}

// AddAppRole registers an AppRole login that yields token.
func (s *Server) AddAppRole(roleID, secretID, token string, t Token) {
	s.AddUserpass("approle:"+roleID, secretID, token, t)
}

func (s *Server) AddSecret(path string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[strings.Trim(path, "/")] = data
}

func (s *Server) AddMount(path string, m Mount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mounts[path] = m
}

func (s *Server) AddEntity(e Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[e.ID] = e
}

// AddControlGroup registers a pending control group and the wrapping token
// the requester would hold.
func (s *Server) AddControlGroup(cg ControlGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cg.Required == 0 {
		cg.Required = 1
	}
	c := cg
	s.controlGroups[cg.Accessor] = &c
	s.wraps[cg.WrapToken] = &wrapped{data: cg.Data, expiresAt: s.now().Add(time.Hour), accessor: cg.Accessor}
}

// ControlGroup returns a copy of the control group state.
func (s *Server) ControlGroup(accessor string) (ControlGroup, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cg, ok := s.controlGroups[accessor]
	if !ok {
		return ControlGroup{}, false
	}
	out := *cg
	out.Authorizations = append([]string(nil), cg.Authorizations...)
	return out, true
}

// Writes returns the recorded writes.
func (s *Server) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Write(nil), s.writes...)
}

// Revoked returns accessors revoked through auth/token/revoke-accessor.
func (s *Server) Revoked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.revoked...)
}

// ExpireWraps makes every outstanding wrapping token invalid.
func (s *Server) ExpireWraps() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, w := range s.wraps {
		if w.accessor == "" {
			delete(s.wraps, k)
		}
	}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/"), "/")

	var body map[string]any
	if r.Body != nil && (r.Method == http.MethodPost || r.Method == http.MethodPut) {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	switch {
	case path == "sys/health":
		writeJSON(w, http.StatusOK, map[string]any{"initialized": true, "sealed": false, "standby": false, "version": "1.16.0-fake"})
		return
	case strings.HasPrefix(path, "auth/") && strings.Contains(path, "/login"):
		s.login(w, path, body)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	token := r.Header.Get("X-Vault-Token")
	tok, ok := s.tokens[token]
	if !ok {
		writeErrors(w, http.StatusForbidden, "permission denied")
		return
	}
	wrapTTL := r.Header.Get("X-Vault-Wrap-TTL")
	isList := r.Method == "LIST" || r.URL.Query().Get("list") == "true"

	switch {
	case path == "auth/token/lookup-self":
		policies := append([]string{"default"}, tok.Policies...)
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"entity_id":    tok.EntityID,
			"display_name": tok.DisplayName,
			"policies":     policies,
			"accessor":     tok.Accessor,
			"meta":         tok.Meta,
			"ttl":          3600,
			"renewable":    false,
		}})
	case path == "auth/token/revoke-self":
		delete(s.tokens, token)
		w.WriteHeader(http.StatusNoContent)
	case path == "auth/token/revoke-accessor":
		acc, _ := body["accessor"].(string)
		s.revoked = append(s.revoked, acc)
		w.WriteHeader(http.StatusNoContent)
	case path == "sys/internal/ui/mounts":
		engines := map[string]any{}
		for p, m := range s.mounts {
			engines[p] = map[string]any{"type": m.Type, "options": map[string]any{"version": m.Version}, "description": ""}
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"secret": engines, "auth": map[string]any{}}})
	case path == "sys/capabilities-self":
		data := map[string]any{}
		paths, _ := body["paths"].([]any)
		for _, p := range paths {
			ps, _ := p.(string)
			data[ps] = s.capabilities(tok, ps)
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": data})
	case path == "sys/control-group/authorize":
		s.authorizeControlGroup(w, tok, body)
	case path == "sys/control-group/request":
		s.checkControlGroup(w, body)
	case path == "sys/wrapping/unwrap":
		s.unwrap(w, body)
	case path == "identity/entity/id" && isList:
		var keys []string
		for id := range s.entities {
			keys = append(keys, id)
		}
		sort.Strings(keys)
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"keys": keys}})
	case strings.HasPrefix(path, "identity/entity/id/"):
		e, ok := s.entities[strings.TrimPrefix(path, "identity/entity/id/")]
		if !ok {
			writeErrors(w, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"id": e.ID, "name": e.Name, "policies": e.Policies,
			"metadata": map[string]any{"email": e.Email}, "group_ids": []string{},
		}})
	case isList:
		keys := s.listKeys(path)
		if len(keys) == 0 {
			writeErrors(w, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"keys": keys}})
	case r.Method == http.MethodGet:
		data, ok := s.secrets[path]
		if !ok {
			writeErrors(w, http.StatusNotFound)
			return
		}
		s.respond(w, path, data, wrapTTL)
	default:
		s.writes = append(s.writes, Write{Path: path, Token: token, Data: body})
		s.respond(w, path, body, wrapTTL)
	}
}

func (s *Server) login(w http.ResponseWriter, path string, body map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parts := strings.Split(path, "/")
	user := parts[len(parts)-1]
	pw, _ := body["password"].(string)
	if user == "login" {
		roleID, _ := body["role_id"].(string)
		user = "approle:" + roleID
		pw, _ = body["secret_id"].(string)
	}
	entry, ok := s.userpass[user]
	if !ok || !strings.HasPrefix(entry, pw+"\x00") {
		writeErrors(w, http.StatusBadRequest, "invalid username or password")
		return
	}
	token := strings.TrimPrefix(entry, pw+"\x00")
	t := s.tokens[token]
	writeJSON(w, http.StatusOK, map[string]any{"auth": map[string]any{
		"client_token":   token,
		"accessor":       t.Accessor,
		"policies":       t.Policies,
		"entity_id":      t.EntityID,
		"renewable":      false,
		"lease_duration": 3600,
	}})
}

// capabilities grants everything under a secret the token's policies name
// by path prefix, "read" on known secrets otherwise.
func (s *Server) capabilities(tok Token, path string) []string {
	for _, p := range tok.Policies {
		if p == "root" {
			return []string{"root"}
		}
	}
	if _, ok := s.secrets[strings.Trim(path, "/")]; ok {
		return []string{"read"}
	}
	return []string{"deny"}
}

func (s *Server) listKeys(prefix string) []string {
	prefix = strings.Trim(prefix, "/") + "/"
	seen := map[string]bool{}
	for p := range s.secrets {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if i := strings.Index(rest, "/"); i >= 0 {
			rest = rest[:i+1]
		}
		seen[rest] = true
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Server) respond(w http.ResponseWriter, path string, data map[string]any, wrapTTL string) {
	if wrapTTL == "" {
		if data == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": data})
		return
	}
	ttl, err := time.ParseDuration(wrapTTL)
	if err != nil {
		writeErrors(w, http.StatusBadRequest, "invalid wrap ttl")
		return
	}
	s.seq++
	token := fmt.Sprintf("hvs.wrap-%d", s.seq)
	now := s.now()
	s.wraps[token] = &wrapped{data: data, expiresAt: now.Add(ttl)}
	writeJSON(w, http.StatusOK, map[string]any{"wrap_info": map[string]any{
		"token":         token,
		"accessor":      fmt.Sprintf("wrap-acc-%d", s.seq),
		"ttl":           int(ttl.Seconds()),
		"creation_time": now.UTC().Format(time.RFC3339Nano),
		"creation_path": path,
	}})
}

func (s *Server) unwrap(w http.ResponseWriter, body map[string]any) {
	token, _ := body["token"].(string)
	wr, ok := s.wraps[token]
	if !ok || s.now().After(wr.expiresAt) {
		delete(s.wraps, token)
		writeErrors(w, http.StatusBadRequest, "wrapping token is not valid or does not exist")
		return
	}
	if wr.accessor != "" {
		if cg := s.controlGroups[wr.accessor]; cg != nil && !cg.approved() {
			writeErrors(w, http.StatusForbidden, "Request needs further approval")
			return
		}
	}
	delete(s.wraps, token)
	writeJSON(w, http.StatusOK, map[string]any{"data": wr.data})
}

func (s *Server) authorizeControlGroup(w http.ResponseWriter, tok Token, body map[string]any) {
	acc, _ := body["accessor"].(string)
	cg, ok := s.controlGroups[acc]
	if !ok {
		writeErrors(w, http.StatusBadRequest, "control group request not found")
		return
	}
	if tok.EntityID == cg.RequestEntityID {
		writeErrors(w, http.StatusForbidden, "requester cannot authorize their own request")
		return
	}
	found := false
	for _, a := range cg.Authorizations {
		if a == tok.EntityID {
			found = true
		}
	}
	if !found {
		cg.Authorizations = append(cg.Authorizations, tok.EntityID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"approved": cg.approved()}})
}

func (s *Server) checkControlGroup(w http.ResponseWriter, body map[string]any) {
	acc, _ := body["accessor"].(string)
	cg, ok := s.controlGroups[acc]
	if !ok {
		writeErrors(w, http.StatusBadRequest, "control group request not found")
		return
	}
	auths := make([]map[string]any, 0, len(cg.Authorizations))
	for _, a := range cg.Authorizations {
		name := a
		for _, t := range s.tokens {
			if t.EntityID == a && t.DisplayName != "" {
				name = t.DisplayName
			}
		}
		auths = append(auths, map[string]any{"entity_id": a, "entity_name": name})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"approved":       cg.approved(),
		"request_path":   cg.RequestPath,
		"request_entity": map[string]any{"id": cg.RequestEntityID, "name": cg.RequestEntityName},
		"authorizations": auths,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrors(w http.ResponseWriter, status int, msgs ...string) {
	if msgs == nil {
		msgs = []string{}
	}
	writeJSON(w, status, map[string]any{"errors": msgs})
}
