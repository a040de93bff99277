package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/whatsgate-project/whatsgate/api"
	"github.com/whatsgate-project/whatsgate/logger"
	"github.com/whatsgate-project/whatsgate/protocol/protocoltest"
	"github.com/whatsgate-project/whatsgate/resilience"
	"github.com/whatsgate-project/whatsgate/session"
	"github.com/whatsgate-project/whatsgate/store"
	"github.com/whatsgate-project/whatsgate/types"
)

type nopPublisher struct{}

func (nopPublisher) Publish(string, string, interface{}) {}
func (nopPublisher) PublishAll(string, interface{})      {}

func testLogger() *logger.Logger {
	log := logger.New()
	log.SetOutput(io.Discard)
	return log
}

type apiEnv struct {
	t         *testing.T
	srv       *httptest.Server
	connector *protocoltest.FakeConnector
	mgr       *session.Manager
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	connector := protocoltest.NewFakeConnector()
	mgr := session.NewManager(session.NewRegistry(), st, connector, nopPublisher{}, nil, session.ManagerConfig{
		Backoff: &resilience.BackoffPolicy{
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
			Multiplier:   2.0,
			MaxAttempts:  1,
		},
	}, testLogger())

	mux := http.NewServeMux()
	api.NewServer(mgr, testLogger()).Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &apiEnv{t: t, srv: srv, connector: connector, mgr: mgr}
}

func (e *apiEnv) do(method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	e.t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		e.t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	var decoded map[string]interface{}
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &decoded)
	return resp, decoded
}

func (e *apiEnv) waitDial() *protocoltest.FakeConn {
	e.t.Helper()
	select {
	case c := <-e.connector.Dialed:
		return c
	case <-time.After(2 * time.Second):
		e.t.Fatal("timed out waiting for a dial")
		return nil
	}
}

func (e *apiEnv) connect(id string) *protocoltest.FakeConn {
	e.t.Helper()
	resp, _ := e.do(http.MethodPost, "/session", map[string]string{"sessionId": id})
	if resp.StatusCode != http.StatusOK {
		e.t.Fatalf("create session: status %d", resp.StatusCode)
	}
	conn := e.waitDial()
	conn.EmitConnected(&types.User{ID: "5511999990000:1@s.whatsapp.net"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if info, ok := e.mgr.Snapshot(id); ok && info.Connected {
			return conn
		}
		time.Sleep(5 * time.Millisecond)
	}
	e.t.Fatal("session never connected")
	return nil
}

func TestCreateSession(t *testing.T) {
	e := newAPIEnv(t)

	resp, body := e.do(http.MethodPost, "/session", map[string]string{"sessionId": "alice"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["sessionId"] != "alice" {
		t.Fatalf("unexpected body: %v", body)
	}
	e.waitDial()
}

func TestCreateSessionValidation(t *testing.T) {
	e := newAPIEnv(t)

	tests := []struct {
		name string
		body interface{}
	}{
		{"empty body", nil},
		{"missing sessionId", map[string]string{"organizationId": "org-1"}},
		{"blank sessionId", map[string]string{"sessionId": ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := e.do(http.MethodPost, "/session", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status %d, want 400", resp.StatusCode)
			}
			if _, ok := body["error"].(string); !ok {
				t.Fatal("error message missing")
			}
		})
	}
}

func TestStatus(t *testing.T) {
	e := newAPIEnv(t)

	resp, _ := e.do(http.MethodGet, "/status", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing param: status %d, want 400", resp.StatusCode)
	}

	resp, _ = e.do(http.MethodGet, "/status?sessionId=ghost", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session: status %d, want 404", resp.StatusCode)
	}

	e.connect("alice")
	resp, body := e.do(http.MethodGet, "/status?sessionId=alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["connected"] != true {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestListSessions(t *testing.T) {
	e := newAPIEnv(t)

	resp, err := http.Get(e.srv.URL + "/sessions")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var list []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if len(list) != 0 {
		t.Fatalf("expected empty listing, got %v", list)
	}

	e.connect("alice")
	resp, err = http.Get(e.srv.URL + "/sessions")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if len(list) != 1 || list[0]["sessionId"] != "alice" {
		t.Fatalf("unexpected listing: %v", list)
	}
}

func TestDeleteSession(t *testing.T) {
	e := newAPIEnv(t)

	resp, _ := e.do(http.MethodDelete, "/session/ghost", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session: status %d, want 404", resp.StatusCode)
	}

	e.connect("alice")
	resp, _ = e.do(http.MethodDelete, "/session/alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	resp, _ = e.do(http.MethodGet, "/status?sessionId=alice", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted session still reported: status %d", resp.StatusCode)
	}
}

func TestPair(t *testing.T) {
	e := newAPIEnv(t)

	resp, _ := e.do(http.MethodPost, "/pair", map[string]string{"sessionId": "alice"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing phone: status %d, want 400", resp.StatusCode)
	}

	resp, _ = e.do(http.MethodPost, "/pair", map[string]string{"sessionId": "alice", "phoneNumber": "no digits here"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid phone: status %d, want 400", resp.StatusCode)
	}

	resp, _ = e.do(http.MethodPost, "/pair", map[string]string{"sessionId": "alice", "phoneNumber": "+55 11 99999-0000"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	e.waitDial()
}

func TestSendMessage(t *testing.T) {
	e := newAPIEnv(t)

	msg := map[string]string{"sessionId": "alice", "number": "5511888880000", "body": "oi"}

	resp, _ := e.do(http.MethodPost, "/message", msg)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session: status %d, want 404", resp.StatusCode)
	}

	e.connect("alice")
	resp, body := e.do(http.MethodPost, "/message", msg)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["messageId"] != "msg-1" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestSendMessageValidation(t *testing.T) {
	e := newAPIEnv(t)

	resp, _ := e.do(http.MethodPost, "/message", map[string]string{"sessionId": "alice"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}
