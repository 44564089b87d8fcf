package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"helpmesh.org/internal/auth"
	"helpmesh.org/internal/match"
	"helpmesh.org/internal/stream"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("HELPMESH_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	api := New(match.NewInMemory(), stream.New(), ReadyProbe{}, "test")
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) obtainToken(user string, roles []string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"user":  user,
		"roles": roles,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func (c *apiClient) authed(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func (c *apiClient) createUser(adminToken string, body map[string]any) match.User {
	c.t.Helper()
	resp := c.post("/v1/users", body, c.authed(adminToken))
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("create user status: %d", resp.StatusCode)
	}
	return decode[match.User](c.t, resp)
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestAssignmentLifecycleFlow(t *testing.T) {
	c := newTestAPI(t)
	admin := c.obtainToken("admin-1", []string{"admin"})

	sender := c.createUser(admin, map[string]any{
		"id": "sender-1", "name": "Alice", "level": "Star", "is_activated": true,
	})
	receiver := c.createUser(admin, map[string]any{
		"id": "receiver-1", "name": "Bob", "level": "Star", "is_activated": true,
	})

	senderToken := c.obtainToken(sender.ID, nil)
	receiverToken := c.obtainToken(receiver.ID, nil)

	// Sender opens an assignment with an idempotency key.
	headers := c.authed(senderToken)
	headers["Idempotency-Key"] = "key-1"
	resp := c.post("/v1/assignments", map[string]any{}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create assignment status: %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Idempotency-Key"); got != "key-1" {
		t.Fatalf("idempotency key not echoed: %q", got)
	}
	created := decode[match.Assignment](t, resp)
	if created.Status != match.StatusAssigned {
		t.Fatalf("status = %s, want assigned", created.Status)
	}
	if created.ReceiverID != receiver.ID || created.Amount != 300 {
		t.Fatalf("unexpected assignment: %+v", created)
	}

	// Replay returns the same assignment.
	resp = c.post("/v1/assignments", map[string]any{}, headers)
	replayed := decode[match.Assignment](t, resp)
	if replayed.ID != created.ID {
		t.Fatalf("replay created a new assignment: %s != %s", replayed.ID, created.ID)
	}

	// Receiver requests payment.
	resp = c.post("/v1/assignments/"+created.ID+"/request-payment", nil, c.authed(receiverToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("request-payment status: %d", resp.StatusCode)
	}
	requested := decode[match.Assignment](t, resp)
	if requested.Status != match.StatusPaymentRequested {
		t.Fatalf("status = %s, want payment_requested", requested.Status)
	}

	// Sender submits proof; the reference is normalized.
	resp = c.post("/v1/assignments/"+created.ID+"/payment", map[string]any{
		"utr": "  utr123456 ", "method": "upi",
	}, c.authed(senderToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("payment status: %d", resp.StatusCode)
	}
	paid := decode[match.Assignment](t, resp)
	if paid.Status != match.StatusPaymentDone || paid.Payment.UTR != "UTR123456" {
		t.Fatalf("unexpected payment state: %+v", paid)
	}

	// Receiver confirms.
	resp = c.post("/v1/assignments/"+created.ID+"/confirm", nil, c.authed(receiverToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm status: %d", resp.StatusCode)
	}
	confirmed := decode[match.Assignment](t, resp)
	if confirmed.Status != match.StatusConfirmed || !confirmed.SlotReleased {
		t.Fatalf("unexpected confirmed state: %+v", confirmed)
	}

	// The list endpoint sees the terminal state.
	resp = c.get("/v1/assignments", nil, c.authed(senderToken))
	list := decode[listAssignmentsResponse](t, resp)
	if len(list.Items) != 1 || list.Items[0].Status != match.StatusConfirmed {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestNoEligibleReceiverDiagnostics(t *testing.T) {
	c := newTestAPI(t)
	admin := c.obtainToken("admin-1", []string{"admin"})

	sender := c.createUser(admin, map[string]any{
		"id": "sender-1", "name": "Alice", "level": "Star", "is_activated": true,
	})
	senderToken := c.obtainToken(sender.ID, nil)

	resp := c.post("/v1/assignments", map[string]any{}, c.authed(senderToken))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["scanned"] != float64(1) {
		t.Fatalf("scanned = %v, want 1", body["scanned"])
	}
	rejections, ok := body["rejections"].([]any)
	if !ok || len(rejections) != 1 {
		t.Fatalf("rejections = %v", body["rejections"])
	}
}

func TestDisputeRequiresReason(t *testing.T) {
	c := newTestAPI(t)
	admin := c.obtainToken("admin-1", []string{"admin"})

	sender := c.createUser(admin, map[string]any{
		"id": "sender-1", "name": "Alice", "level": "Star", "is_activated": true,
	})
	c.createUser(admin, map[string]any{
		"id": "receiver-1", "name": "Bob", "level": "Star", "is_activated": true,
	})
	senderToken := c.obtainToken(sender.ID, nil)

	resp := c.post("/v1/assignments", map[string]any{}, c.authed(senderToken))
	created := decode[match.Assignment](t, resp)

	receiverToken := c.obtainToken(created.ReceiverID, nil)
	resp = c.post("/v1/assignments/"+created.ID+"/dispute", nil, c.authed(receiverToken))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	c := newTestAPI(t)

	resp := c.post("/v1/assignments", map[string]any{}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	// Health stays public.
	health := c.get("/healthz", nil, nil)
	defer health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", health.StatusCode)
	}
}

func TestUserAdminEndpoints(t *testing.T) {
	c := newTestAPI(t)
	admin := c.obtainToken("admin-1", []string{"admin"})
	userToken := c.obtainToken("plain-user", nil)

	// Non-admins cannot create users.
	resp := c.post("/v1/users", map[string]any{"name": "Eve"}, c.authed(userToken))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()

	u := c.createUser(admin, map[string]any{
		"id": "user-1", "name": "Alice", "level": "2", "upgrade_required": true,
	})

	// Eligibility report is readable by any authenticated caller.
	resp = c.get("/v1/users/"+u.ID+"/eligibility", nil, c.authed(userToken))
	report := decode[match.EligibilityReport](t, resp)
	if report.Eligible {
		t.Fatal("expected ineligible user")
	}

	// Receive override and force activate are admin-only.
	resp = c.post("/v1/users/"+u.ID+"/receive-override", nil, c.authed(userToken))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("override status = %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.post("/v1/users/"+u.ID+"/force-activate", nil, c.authed(admin))
	activated := decode[match.User](t, resp)
	if !activated.IsActivated {
		t.Fatal("force-activate did not activate user")
	}

	resp = c.post("/v1/users/"+u.ID+"/receive-override", nil, c.authed(admin))
	overridden := decode[match.User](t, resp)
	if !overridden.ReceiveOverride {
		t.Fatal("receive-override not granted")
	}
}

func TestActorFallbackWithoutAuth(t *testing.T) {
	t.Setenv("HELPMESH_AUTH_SECRET", "")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	api := New(match.NewInMemory(), stream.New(), ReadyProbe{}, "test")
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	c := &apiClient{baseURL: srv.URL, client: srv.Client(), t: t}

	resp := c.post("/v1/users", map[string]any{
		"id": "sender-1", "name": "Alice", "level": "Star", "is_activated": true,
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create user status: %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = c.post("/v1/users", map[string]any{
		"id": "receiver-1", "name": "Bob", "level": "Star", "is_activated": true,
	}, nil)
	resp.Body.Close()

	resp = c.post("/v1/assignments", map[string]any{"sender_id": "sender-1"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create assignment status: %d", resp.StatusCode)
	}
	created := decode[match.Assignment](t, resp)
	if created.SenderID != "sender-1" {
		t.Fatalf("sender = %s", created.SenderID)
	}
}
