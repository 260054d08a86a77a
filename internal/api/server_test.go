package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/callbridge/callbridge/internal/api/middleware"
	"github.com/callbridge/callbridge/internal/bridge"
	"github.com/callbridge/callbridge/internal/config"
	"github.com/callbridge/callbridge/internal/control"
	"github.com/callbridge/callbridge/internal/database"
	"github.com/callbridge/callbridge/internal/database/models"
	"github.com/callbridge/callbridge/internal/events"
	"github.com/callbridge/callbridge/internal/invite"
)

// apiFixture wires the full handler stack over a real database and an
// httptest control-plane backend.
type apiFixture struct {
	server     *Server
	sessions   database.SessionRepository
	identities database.IdentityRepository
	regs       database.RegistrationRepository
	jwtSecret  []byte
	serverID   int64
	bridgeSeq  atomic.Int64
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	fx := &apiFixture{
		sessions:   database.NewSessionRepository(db),
		identities: database.NewIdentityRepository(db),
		regs:       database.NewRegistrationRepository(db),
		jwtSecret:  []byte("0123456789abcdef0123456789abcdef"),
	}

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/bridges":
			id := fx.bridgeSeq.Add(1)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"bridge": {"id": "b-%d"}}`, id)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"ok": true}`))
		}
	}))
	t.Cleanup(backend.Close)

	servers := database.NewServerRepository(db)
	srv := &models.TelephonyServer{
		Name:       "backend-1",
		ControlURL: backend.URL,
		APIKey:     "test-key",
		Enabled:    true,
	}
	if err := servers.Create(context.Background(), srv); err != nil {
		t.Fatalf("seeding server: %v", err)
	}
	fx.serverID = srv.ID

	adapter := control.NewAdapter(fx.regs, servers)
	mirror := bridge.NewMirror()
	orch := bridge.NewOrchestrator(adapter, fx.sessions, servers, mirror)
	reconciler := events.NewReconciler(fx.sessions, mirror)
	invites := invite.NewService(database.NewInviteRepository(db), fx.identities, nil, 0)

	cfg := &config.Config{RateLimitPerMin: 60000}
	fx.server = NewServer(cfg, orch, reconciler, invites, fx.sessions, fx.identities, servers, fx.regs, fx.jwtSecret, nil)
	t.Cleanup(fx.server.Close)

	return fx
}

// registerUser gives a user an active registration on the test backend so the
// orchestrator can resolve it.
func (fx *apiFixture) registerUser(t *testing.T, userID int64) {
	t.Helper()
	reg := &models.ClientRegistration{
		UserID:   userID,
		ServerID: fx.serverID,
		Endpoint: fmt.Sprintf("ep-%d", userID),
		Active:   true,
	}
	if err := fx.regs.Create(context.Background(), reg); err != nil {
		t.Fatalf("seeding registration for user %d: %v", userID, err)
	}
}

// token mints a valid JWT for a user.
func (fx *apiFixture) token(t *testing.T, userID int64) string {
	t.Helper()
	token, _, err := middleware.GenerateToken(fx.jwtSecret, userID, fmt.Sprintf("ep-%d", userID))
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	return token
}

// do runs a request through the handler stack and decodes the envelope.
func (fx *apiFixture) do(t *testing.T, method, path, token string, body any) (int, json.RawMessage, string) {
	t.Helper()

	var reqBody *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshalling request body: %v", err)
		}
		reqBody = bytes.NewReader(encoded)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	fx.server.ServeHTTP(rec, req)

	var env struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding envelope from %s %s: %v (body %s)", method, path, err, rec.Body.String())
	}
	return rec.Code, env.Data, env.Error
}

func TestHealth(t *testing.T) {
	fx := newAPIFixture(t)

	code, data, errMsg := fx.do(t, http.MethodGet, "/api/v1/health", "", nil)
	if code != http.StatusOK || errMsg != "" {
		t.Fatalf("health = %d %q", code, errMsg)
	}
	var payload map[string]string
	if err := json.Unmarshal(data, &payload); err != nil || payload["status"] != "ok" {
		t.Errorf("health payload = %s", data)
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	fx := newAPIFixture(t)

	code, _, _ := fx.do(t, http.MethodPost, "/api/v1/bridges", "", map[string]any{})
	if code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", code)
	}

	code, _, _ = fx.do(t, http.MethodPost, "/api/v1/bridges", "not-a-jwt", map[string]any{})
	if code != http.StatusUnauthorized {
		t.Errorf("garbage token: status = %d, want 401", code)
	}

	// A token signed with a different key must be rejected.
	forged, _, err := middleware.GenerateToken([]byte("ffffffffffffffffffffffffffffffff"), 7, "ep-7")
	if err != nil {
		t.Fatalf("generating forged token: %v", err)
	}
	code, _, _ = fx.do(t, http.MethodPost, "/api/v1/bridges", forged, map[string]any{})
	if code != http.StatusUnauthorized {
		t.Errorf("forged token: status = %d, want 401", code)
	}
}

func TestIssueToken(t *testing.T) {
	fx := newAPIFixture(t)

	hash, err := database.HashSecret("super-secret")
	if err != nil {
		t.Fatalf("hashing secret: %v", err)
	}
	ident := &models.CallingIdentity{UserID: 7, Endpoint: "ep-7", SecretHash: hash}
	if err := fx.identities.Create(context.Background(), ident); err != nil {
		t.Fatalf("seeding identity: %v", err)
	}

	code, _, _ := fx.do(t, http.MethodPost, "/api/v1/auth/token", "", map[string]any{"user_id": 7, "secret": "wrong"})
	if code != http.StatusUnauthorized {
		t.Errorf("wrong secret: status = %d, want 401", code)
	}

	code, _, _ = fx.do(t, http.MethodPost, "/api/v1/auth/token", "", map[string]any{"user_id": 99, "secret": "super-secret"})
	if code != http.StatusUnauthorized {
		t.Errorf("unknown user: status = %d, want 401", code)
	}

	code, data, errMsg := fx.do(t, http.MethodPost, "/api/v1/auth/token", "", map[string]any{"user_id": 7, "secret": "super-secret"})
	if code != http.StatusOK {
		t.Fatalf("issue token = %d %q", code, errMsg)
	}
	var payload struct {
		Token    string `json:"token"`
		Endpoint string `json:"endpoint"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("decoding token payload: %v", err)
	}
	if payload.Token == "" || payload.Endpoint != "ep-7" {
		t.Fatalf("token payload = %s", data)
	}

	// The issued token authenticates against protected routes.
	code, _, _ = fx.do(t, http.MethodGet, "/api/v1/sessions/12345", payload.Token, nil)
	if code != http.StatusNotFound {
		t.Errorf("issued token on protected route: status = %d, want 404 for missing session", code)
	}
}

func TestBridgeLifecycle(t *testing.T) {
	fx := newAPIFixture(t)
	fx.registerUser(t, 7)
	token := fx.token(t, 7)

	code, data, errMsg := fx.do(t, http.MethodPost, "/api/v1/bridges", token,
		map[string]any{"target": "555-0100", "metadata": map[string]string{"origin": "test"}})
	if code != http.StatusCreated {
		t.Fatalf("create bridge = %d %q", code, errMsg)
	}
	var session sessionResponse
	if err := json.Unmarshal(data, &session); err != nil {
		t.Fatalf("decoding session: %v", err)
	}
	if session.BridgeID == "" || session.Status != "pending" || session.JoinExtension == "" {
		t.Fatalf("session = %+v", session)
	}

	// A join event from the backend activates the session.
	code, _, errMsg = fx.do(t, http.MethodPost, "/api/v1/telephony/events", "",
		map[string]any{"event": "bridge_join", "bridge_id": session.BridgeID, "endpoint": "ep-7"})
	if code != http.StatusOK {
		t.Fatalf("telephony event = %d %q", code, errMsg)
	}

	path := fmt.Sprintf("/api/v1/sessions/%d", session.ID)
	code, data, _ = fx.do(t, http.MethodGet, path, token, nil)
	if code != http.StatusOK {
		t.Fatalf("get session = %d", code)
	}
	var fetched sessionResponse
	if err := json.Unmarshal(data, &fetched); err != nil {
		t.Fatalf("decoding session: %v", err)
	}
	if fetched.Status != "active" {
		t.Errorf("session status after join event = %q, want active", fetched.Status)
	}

	code, data, _ = fx.do(t, http.MethodGet, path+"/participants", token, nil)
	if code != http.StatusOK {
		t.Fatalf("list participants = %d", code)
	}
	var parts []participantResponse
	if err := json.Unmarshal(data, &parts); err != nil {
		t.Fatalf("decoding participants: %v", err)
	}
	if len(parts) != 1 || parts[0].Endpoint != "ep-7" {
		t.Errorf("participants = %+v", parts)
	}

	// Lookups by extension and link hash resolve the same session.
	code, _, _ = fx.do(t, http.MethodGet, "/api/v1/sessions/by-extension/"+fetched.JoinExtension, token, nil)
	if code != http.StatusOK {
		t.Errorf("get by extension = %d", code)
	}
	code, _, _ = fx.do(t, http.MethodGet, "/api/v1/sessions/by-link/"+fetched.LinkHash, token, nil)
	if code != http.StatusOK {
		t.Errorf("get by link = %d", code)
	}

	code, _, errMsg = fx.do(t, http.MethodDelete, "/api/v1/bridges/"+session.BridgeID, token, nil)
	if code != http.StatusOK {
		t.Fatalf("end bridge = %d %q", code, errMsg)
	}

	code, data, _ = fx.do(t, http.MethodGet, path, token, nil)
	if code != http.StatusOK {
		t.Fatalf("get session after end = %d", code)
	}
	if err := json.Unmarshal(data, &fetched); err != nil {
		t.Fatalf("decoding session: %v", err)
	}
	if fetched.Status != "terminated" {
		t.Errorf("session status after end = %q, want terminated", fetched.Status)
	}
}

func TestCreateBridgeWithoutBackend(t *testing.T) {
	fx := newAPIFixture(t)
	token := fx.token(t, 8) // no registration seeded

	code, _, errMsg := fx.do(t, http.MethodPost, "/api/v1/bridges", token, map[string]any{})
	if code != http.StatusConflict {
		t.Fatalf("create bridge without backend = %d, want 409", code)
	}
	if errMsg != "cannot place calls right now" {
		t.Errorf("error = %q", errMsg)
	}
}

func TestCreateBridgeRejectsUnknownFields(t *testing.T) {
	fx := newAPIFixture(t)
	fx.registerUser(t, 7)
	token := fx.token(t, 7)

	code, _, _ := fx.do(t, http.MethodPost, "/api/v1/bridges", token, map[string]any{"targett": "typo"})
	if code != http.StatusBadRequest {
		t.Errorf("unknown field = %d, want 400", code)
	}
}

func TestTelephonyEventErrors(t *testing.T) {
	fx := newAPIFixture(t)

	code, _, _ := fx.do(t, http.MethodPost, "/api/v1/telephony/events", "", map[string]any{"event": "bridge_join"})
	if code != http.StatusBadRequest {
		t.Errorf("missing bridge_id = %d, want 400", code)
	}

	// Unknown bridge gets 404 so the backend redelivers later.
	code, _, _ = fx.do(t, http.MethodPost, "/api/v1/telephony/events", "",
		map[string]any{"event": "bridge_join", "bridge_id": "not-yet-created"})
	if code != http.StatusNotFound {
		t.Errorf("unknown bridge = %d, want 404", code)
	}
}

func TestInviteFlow(t *testing.T) {
	fx := newAPIFixture(t)
	creator := fx.token(t, 1)
	joiner := fx.token(t, 2)
	outsider := fx.token(t, 3)

	code, data, errMsg := fx.do(t, http.MethodPost, "/api/v1/invites", creator, nil)
	if code != http.StatusCreated {
		t.Fatalf("create invite = %d %q", code, errMsg)
	}
	var inv inviteResponse
	if err := json.Unmarshal(data, &inv); err != nil {
		t.Fatalf("decoding invite: %v", err)
	}
	if inv.Token == "" || inv.Status != "active" {
		t.Fatalf("invite = %+v", inv)
	}

	base := "/api/v1/invites/" + inv.Token

	code, data, _ = fx.do(t, http.MethodPost, base+"/join", joiner, nil)
	if code != http.StatusOK {
		t.Fatalf("join invite = %d", code)
	}
	var joined inviteResponse
	if err := json.Unmarshal(data, &joined); err != nil {
		t.Fatalf("decoding joined invite: %v", err)
	}
	// The creator never registered, so the pair is not ready yet.
	if joined.ReadyToCall {
		t.Error("ready_to_call true with creator endpoint unknown")
	}

	// A third party holding the link cannot take the slot.
	code, _, _ = fx.do(t, http.MethodPost, base+"/join", outsider, nil)
	if code != http.StatusConflict {
		t.Errorf("third-party join = %d, want 409", code)
	}

	// Only the creator may cancel.
	code, _, _ = fx.do(t, http.MethodDelete, base, joiner, nil)
	if code != http.StatusForbidden {
		t.Errorf("joiner cancel = %d, want 403", code)
	}
	code, _, _ = fx.do(t, http.MethodDelete, base, creator, nil)
	if code != http.StatusOK {
		t.Errorf("creator cancel = %d, want 200", code)
	}

	code, data, _ = fx.do(t, http.MethodGet, base, creator, nil)
	if code != http.StatusOK {
		t.Fatalf("invite info = %d", code)
	}
	if err := json.Unmarshal(data, &inv); err != nil {
		t.Fatalf("decoding invite: %v", err)
	}
	if inv.Status != "cancelled" {
		t.Errorf("invite status = %q, want cancelled", inv.Status)
	}

	code, _, _ = fx.do(t, http.MethodGet, "/api/v1/invites/no-such-token", creator, nil)
	if code != http.StatusNotFound {
		t.Errorf("unknown invite = %d, want 404", code)
	}
}

func TestBackendAdminLifecycle(t *testing.T) {
	fx := newAPIFixture(t)
	token := fx.token(t, 1)

	code, _, _ := fx.do(t, http.MethodPost, "/api/v1/servers", token,
		map[string]any{"name": "backend-2", "control_url": "not a url"})
	if code != http.StatusBadRequest {
		t.Errorf("bad control_url = %d, want 400", code)
	}

	code, data, errMsg := fx.do(t, http.MethodPost, "/api/v1/servers", token,
		map[string]any{"name": "backend-2", "control_url": "http://127.0.0.1:19", "api_key": "k2"})
	if code != http.StatusCreated {
		t.Fatalf("create backend = %d %q", code, errMsg)
	}
	var created struct {
		ID      int64  `json:"id"`
		Name    string `json:"name"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decoding backend: %v", err)
	}
	if created.Name != "backend-2" || !created.Enabled {
		t.Fatalf("created backend = %+v", created)
	}
	// The API key never comes back.
	if bytes.Contains(data, []byte("k2")) {
		t.Errorf("response leaked api key: %s", data)
	}

	base := fmt.Sprintf("/api/v1/servers/%d", created.ID)

	code, data, _ = fx.do(t, http.MethodPut, base, token,
		map[string]any{"name": "backend-2b", "control_url": "http://127.0.0.1:19", "enabled": false})
	if code != http.StatusOK {
		t.Fatalf("update backend = %d", code)
	}
	var updated struct {
		Name    string `json:"name"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.Unmarshal(data, &updated); err != nil {
		t.Fatalf("decoding updated backend: %v", err)
	}
	if updated.Name != "backend-2b" || updated.Enabled {
		t.Errorf("updated backend = %+v", updated)
	}

	code, data, _ = fx.do(t, http.MethodGet, "/api/v1/servers", token, nil)
	if code != http.StatusOK {
		t.Fatalf("list backends = %d", code)
	}
	var all []json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		t.Fatalf("decoding backend list: %v", err)
	}
	if len(all) != 2 { // the fixture seeds one
		t.Errorf("got %d backends, want 2", len(all))
	}

	// Registrations are recorded against a backend and can be deactivated.
	code, data, errMsg = fx.do(t, http.MethodPost, base+"/registrations", token,
		map[string]any{"user_id": 42, "endpoint": "ep-42", "ttl_seconds": 3600})
	if code != http.StatusCreated {
		t.Fatalf("create registration = %d %q", code, errMsg)
	}
	var reg struct {
		ID        int64   `json:"id"`
		ExpiresAt *string `json:"expires_at"`
	}
	if err := json.Unmarshal(data, &reg); err != nil {
		t.Fatalf("decoding registration: %v", err)
	}
	if reg.ID == 0 || reg.ExpiresAt == nil {
		t.Fatalf("registration = %+v", reg)
	}

	active, err := fx.regs.GetActiveByUserID(context.Background(), 42)
	if err != nil || len(active) != 1 {
		t.Fatalf("active registrations = (%+v, %v), want 1", active, err)
	}

	code, _, _ = fx.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/registrations/%d", reg.ID), token, nil)
	if code != http.StatusOK {
		t.Fatalf("deactivate registration = %d", code)
	}
	active, err = fx.regs.GetActiveByUserID(context.Background(), 42)
	if err != nil || len(active) != 0 {
		t.Errorf("active registrations after deactivate = (%+v, %v), want none", active, err)
	}

	code, _, _ = fx.do(t, http.MethodPost, "/api/v1/servers/99999/registrations", token,
		map[string]any{"user_id": 1, "endpoint": "ep-1"})
	if code != http.StatusNotFound {
		t.Errorf("registration on unknown server = %d, want 404", code)
	}

	code, _, _ = fx.do(t, http.MethodDelete, base, token, nil)
	if code != http.StatusOK {
		t.Fatalf("delete backend = %d", code)
	}
	code, _, _ = fx.do(t, http.MethodGet, base, token, nil)
	if code != http.StatusNotFound {
		t.Errorf("get deleted backend = %d, want 404", code)
	}
}

func TestRateLimit(t *testing.T) {
	// Health needs no dependencies, so a bare server with a tight budget
	// (burst of 5, then effectively nothing) is enough.
	cfg := &config.Config{RateLimitPerMin: 1}
	s := NewServer(cfg, nil, nil, nil, nil, nil, nil, nil, []byte("0123456789abcdef0123456789abcdef"), nil)
	t.Cleanup(s.Close)

	var got429 bool
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
		if rec.Code == http.StatusTooManyRequests {
			if rec.Header().Get("Retry-After") == "" {
				t.Error("429 response missing Retry-After header")
			}
			got429 = true
			break
		}
	}
	if !got429 {
		t.Error("burst of requests never hit the rate limit")
	}
}
