package downstream

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/whatsgate-project/whatsgate/logger"
	"github.com/whatsgate-project/whatsgate/types"
)

type capturedRequest struct {
	Path    string
	Payload map[string]interface{}
}

func captureServer(t *testing.T) (*httptest.Server, chan capturedRequest) {
	t.Helper()
	received := make(chan capturedRequest, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var payload map[string]interface{}
		_ = json.Unmarshal(raw, &payload)
		received <- capturedRequest{Path: r.URL.Path, Payload: payload}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, received
}

func testLogger() *logger.Logger {
	log := logger.New()
	log.SetOutput(io.Discard)
	return log
}

func waitRequest(t *testing.T, received chan capturedRequest) capturedRequest {
	t.Helper()
	select {
	case req := <-received:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a downstream request")
		return capturedRequest{}
	}
}

func expectNoRequest(t *testing.T, received chan capturedRequest) {
	t.Helper()
	select {
	case req := <-received:
		t.Fatalf("unexpected downstream request: %+v", req)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRegisterContact(t *testing.T) {
	srv, received := captureServer(t)
	n := New(srv.URL, "", testLogger())

	user := &types.User{ID: "5511999990000:1@s.whatsapp.net", Name: "Alice"}
	n.RegisterContact("alice", user, "org-1", "funnel-1")

	req := waitRequest(t, received)
	if req.Path != "/add_whatsapp_web/" {
		t.Fatalf("unexpected path %s", req.Path)
	}
	want := map[string]interface{}{
		"name":            "alice",
		"phone":           "5511999990000",
		"status":          "SYNCHRONIZED",
		"organization_id": "org-1",
		"funnel_id":       "funnel-1",
	}
	for k, v := range want {
		if req.Payload[k] != v {
			t.Fatalf("payload[%s] = %v, want %v", k, req.Payload[k], v)
		}
	}
}

func TestRegisterContactDedupes(t *testing.T) {
	srv, received := captureServer(t)
	n := New(srv.URL, "", testLogger())
	user := &types.User{ID: "5511999990000:1@s.whatsapp.net"}

	n.RegisterContact("alice", user, "", "")
	waitRequest(t, received)

	// A reconnect must not re-register the same session.
	n.RegisterContact("alice", user, "", "")
	expectNoRequest(t, received)
}

func TestRegisterContactDisabled(t *testing.T) {
	n := New("", "", testLogger())
	n.RegisterContact("alice", &types.User{ID: "u"}, "", "")

	srv, received := captureServer(t)
	n = New(srv.URL, "", testLogger())
	n.RegisterContact("alice", nil, "", "")
	expectNoRequest(t, received)
}

func TestForwardMessageText(t *testing.T) {
	srv, received := captureServer(t)
	n := New("", srv.URL, testLogger())

	self := &types.User{ID: "5511999990000:1@s.whatsapp.net"}
	n.ForwardMessage("alice", self, &types.Message{
		ID:   "m1",
		From: "5511888880000@s.whatsapp.net",
		Body: "oi",
	})

	req := waitRequest(t, received)
	if req.Path != "/whatsapp_web/" {
		t.Fatalf("unexpected path %s", req.Path)
	}
	if req.Payload["from"] != "5511888880000@c.us" || req.Payload["to"] != "5511999990000@c.us" {
		t.Fatalf("unexpected addressing: %v", req.Payload)
	}
	if req.Payload["body"] != "oi" || req.Payload["type"] != "chat" || req.Payload["hasMedia"] != false {
		t.Fatalf("unexpected payload: %v", req.Payload)
	}
}

func TestForwardMessageMedia(t *testing.T) {
	srv, received := captureServer(t)
	n := New("", srv.URL, testLogger())

	data := []byte{0x89, 0x50, 0x4e, 0x47}
	n.ForwardMessage("alice", nil, &types.Message{
		ID:   "m1",
		From: "5511888880000@s.whatsapp.net",
		Media: &types.Media{
			Kind: types.MediaImage,
			Mime: "image/png",
			Data: data,
		},
	})

	req := waitRequest(t, received)
	if req.Payload["type"] != "image" || req.Payload["hasMedia"] != true {
		t.Fatalf("unexpected payload: %v", req.Payload)
	}
	if req.Payload["body"] != base64.StdEncoding.EncodeToString(data) {
		t.Fatalf("media body not base64 encoded: %v", req.Payload["body"])
	}
}

func TestPhoneFromJID(t *testing.T) {
	tests := []struct {
		jid  string
		want string
	}{
		{"5511999990000:1@s.whatsapp.net", "5511999990000"},
		{"5511999990000@s.whatsapp.net", "5511999990000"},
		{"5511999990000", "5511999990000"},
	}
	for _, tt := range tests {
		if got := PhoneFromJID(tt.jid); got != tt.want {
			t.Errorf("PhoneFromJID(%q) = %q, want %q", tt.jid, got, tt.want)
		}
	}
}
