// Package downstream forwards session events to the database service.
// Every call is best-effort: failures are logged and dropped, never
// retried, and never block a session's event loop.
package downstream

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/whatsgate-project/whatsgate/logger"
	"github.com/whatsgate-project/whatsgate/types"
)

// Notifier posts contact registrations and inbound messages to the
// downstream database service.
type Notifier struct {
	dbURL      string
	webhookURL string
	client     *http.Client
	registered *cache.Cache
	log        *logger.Logger
}

// New creates a Notifier. Empty URLs disable the corresponding calls.
func New(dbURL, webhookURL string, log *logger.Logger) *Notifier {
	return &Notifier{
		dbURL:      strings.TrimRight(dbURL, "/"),
		webhookURL: strings.TrimRight(webhookURL, "/"),
		client:     &http.Client{Timeout: 15 * time.Second},
		// A reconnect must not re-register the contact; expire after a
		// day so a genuinely re-paired session registers again.
		registered: cache.New(24*time.Hour, time.Hour),
		log:        log,
	}
}

// RegisterContact reports the session's resolved phone identity once per
// first successful connection.
func (n *Notifier) RegisterContact(sessionID string, user *types.User, orgID, funnelID string) {
	if n.dbURL == "" || user == nil {
		return
	}
	if _, seen := n.registered.Get(sessionID); seen {
		return
	}
	n.registered.Set(sessionID, true, cache.DefaultExpiration)

	payload := map[string]interface{}{
		"name":            sessionID,
		"phone":           PhoneFromJID(user.ID),
		"status":          "SYNCHRONIZED",
		"organization_id": orgID,
		"funnel_id":       funnelID,
	}
	n.post(sessionID, n.dbURL+"/add_whatsapp_web/", payload)
}

// ForwardMessage reports one inbound message, with media carried as a
// base64 body when present.
func (n *Notifier) ForwardMessage(sessionID string, self *types.User, msg *types.Message) {
	if n.webhookURL == "" || msg == nil {
		return
	}

	to := ""
	if self != nil {
		to = PhoneFromJID(self.ID) + "@c.us"
	}
	body := msg.Body
	msgType := "chat"
	hasMedia := false
	if msg.Media != nil {
		body = base64.StdEncoding.EncodeToString(msg.Media.Data)
		msgType = string(msg.Media.Kind)
		hasMedia = true
	}

	payload := map[string]interface{}{
		"from":     PhoneFromJID(msg.From) + "@c.us",
		"to":       to,
		"body":     body,
		"type":     msgType,
		"hasMedia": hasMedia,
	}
	n.post(sessionID, n.webhookURL+"/whatsapp_web/", payload)
}

// post fires the request in the background; the caller never waits.
func (n *Notifier) post(sessionID, url string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		n.log.WithSession(sessionID).Error("downstream marshal failed", err)
		return
	}

	go func() {
		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			n.log.WithSession(sessionID).Error("downstream post failed", err)
			return
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode/100 != 2 {
			n.log.WithSession(sessionID).Warnf("downstream post to %s returned %d", url, resp.StatusCode)
		}
	}()
}

// PhoneFromJID extracts the bare phone number from a protocol JID such as
// "5511999999999:1@s.whatsapp.net".
func PhoneFromJID(jid string) string {
	if i := strings.IndexAny(jid, ":@"); i >= 0 {
		return jid[:i]
	}
	return jid
}
