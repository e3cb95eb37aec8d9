package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/actions"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/auth"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/browser"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/config"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/dispatch"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/engine"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/pages"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/store"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/types"
)

type wsFixture struct {
	dispatcher *dispatch.Dispatcher
	httpServer *httptest.Server
	token      string
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	cfg := &config.Config{
		MinBrowsers:         1,
		MaxBrowsers:         2,
		MaxPagesPerBrowser:  5,
		AcquisitionTimeout:  time.Second,
		HealthCheckInterval: time.Hour,
		IdleTimeout:         time.Hour,
		ScaleCooldown:       time.Hour,
		MaxScaleStep:        1,
		MaxBrowserLifetime:  time.Hour,
		RecyclingThreshold:  100,
		RecyclingCooldown:   time.Hour,
		MaxRecycleBatch:     1,
		MaintenanceHourHigh: 24,
		SessionTTL:          time.Hour,
		JWTSecret:           "0123456789abcdef0123456789abcdef",
		JWTExpiry:           time.Hour,
	}

	stores := &store.Stores{
		Sessions: store.NewMemorySessionStore(),
		Contexts: store.NewMemoryContextStore(),
		Backend:  "memory",
	}
	t.Cleanup(func() { _ = stores.Close() })

	a := auth.New(cfg.JWTSecret, cfg.JWTExpiry, stores.Sessions)

	pool, err := browser.NewPool(cfg, engine.NewFakeLauncher())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	pm := pages.NewManager(cfg, pool)
	t.Cleanup(pm.Shutdown)

	policies, err := actions.NewPolicyManager("", false)
	require.NoError(t, err)
	t.Cleanup(policies.Close)

	d := dispatch.New(cfg, stores, a, pool, pm, actions.NewExecutor(cfg, pm, policies), nil)

	result, err := d.CreateSession(context.Background(), dispatch.CreateSessionParams{Username: "alice"})
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(d))
	t.Cleanup(srv.Close)

	return &wsFixture{dispatcher: d, httpServer: srv, token: result.Token}
}

func (f *wsFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.httpServer.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (f *wsFixture) authenticate(t *testing.T, c *websocket.Conn) {
	t.Helper()
	require.NoError(t, c.WriteJSON(clientMessage{
		Type: msgAuth, ID: "auth-1",
		Auth: &authPayload{Token: f.token},
	}))
	var reply serverMessage
	require.NoError(t, c.ReadJSON(&reply))
	require.Equal(t, "auth_success", reply.Type)
}

// readReply reads one message as raw JSON for flexible assertions.
func readReply(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	_, raw, err := c.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestAuthFlow(t *testing.T) {
	f := newWSFixture(t)
	c := f.dial(t)
	f.authenticate(t, c)
}

func TestRequestBeforeAuthRejected(t *testing.T) {
	f := newWSFixture(t)
	c := f.dial(t)

	require.NoError(t, c.WriteJSON(clientMessage{
		Type: msgRequest, ID: "r1", Method: dispatch.OpContextList,
	}))
	reply := readReply(t, c)
	assert.Equal(t, "error", reply["type"])
	errObj := reply["error"].(map[string]any)
	assert.Equal(t, "AUTH_REQUIRED", errObj["code"])
}

func TestBadTokenRejected(t *testing.T) {
	f := newWSFixture(t)
	c := f.dial(t)

	require.NoError(t, c.WriteJSON(clientMessage{
		Type: msgAuth, ID: "auth-1",
		Auth: &authPayload{Token: "garbage"},
	}))
	reply := readReply(t, c)
	assert.Equal(t, "error", reply["type"])
}

func TestRequestRoundTrip(t *testing.T) {
	f := newWSFixture(t)
	c := f.dial(t)
	f.authenticate(t, c)

	body, _ := json.Marshal(dispatch.CreateContextParams{Name: "work"})
	require.NoError(t, c.WriteJSON(clientMessage{
		Type: msgRequest, ID: "r1", Method: dispatch.OpContextCreate, Data: body,
	}))

	reply := readReply(t, c)
	require.Equal(t, "response", reply["type"])
	assert.Equal(t, "r1", reply["id"])
	data := reply["data"].(map[string]any)
	assert.Equal(t, "work", data["name"])
	assert.Equal(t, string(types.ContextActive), data["status"])
}

func TestErrorCarriesMessageID(t *testing.T) {
	f := newWSFixture(t)
	c := f.dial(t)
	f.authenticate(t, c)

	require.NoError(t, c.WriteJSON(clientMessage{
		Type: msgRequest, ID: "r9", Method: dispatch.OpContextGet, Resource: "missing",
	}))
	reply := readReply(t, c)
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, "r9", reply["id"])
	errObj := reply["error"].(map[string]any)
	assert.Equal(t, "CONTEXT_NOT_FOUND", errObj["code"])
	meta := reply["meta"].(map[string]any)
	assert.Equal(t, "websocket", meta["protocol"])
	assert.NotEmpty(t, meta["connectionId"])
}

func TestPingPong(t *testing.T) {
	f := newWSFixture(t)
	c := f.dial(t)

	require.NoError(t, c.WriteJSON(clientMessage{Type: msgPing, ID: "p1"}))
	reply := readReply(t, c)
	assert.Equal(t, "pong", reply["type"])
	assert.Equal(t, "p1", reply["id"])
}

func TestSubscriptionReceivesActionEvents(t *testing.T) {
	f := newWSFixture(t)

	// First connection creates a context and a page.
	c1 := f.dial(t)
	f.authenticate(t, c1)

	body, _ := json.Marshal(dispatch.CreateContextParams{Name: "work"})
	require.NoError(t, c1.WriteJSON(clientMessage{
		Type: msgRequest, ID: "r1", Method: dispatch.OpContextCreate, Data: body,
	}))
	reply := readReply(t, c1)
	contextID := reply["data"].(map[string]any)["id"].(string)

	require.NoError(t, c1.WriteJSON(clientMessage{
		Type: msgRequest, ID: "r2", Method: dispatch.OpPageCreate, Resource: contextID,
	}))
	reply = readReply(t, c1)
	pageID := reply["data"].(map[string]any)["id"].(string)

	// Second connection of the same user subscribes to the context topic.
	c2 := f.dial(t)
	f.authenticate(t, c2)
	require.NoError(t, c2.WriteJSON(clientMessage{
		Type: msgSubscribe, ID: "s1", Topic: "context:" + contextID,
	}))
	reply = readReply(t, c2)
	require.Equal(t, "subscribed", reply["type"])

	// Execute an action on the first connection.
	execBody, _ := json.Marshal(dispatch.ExecuteParams{
		Action:     "navigate",
		PageID:     pageID,
		Parameters: map[string]any{"url": "https://example.com"},
	})
	require.NoError(t, c1.WriteJSON(clientMessage{
		Type: msgRequest, ID: "r3", Method: dispatch.OpContextExecute, Resource: contextID, Data: execBody,
	}))
	reply = readReply(t, c1)
	require.Equal(t, "response", reply["type"], "%v", reply)

	// The subscriber sees the event.
	require.NoError(t, c2.SetReadDeadline(time.Now().Add(2*time.Second)))
	event := readReply(t, c2)
	assert.Equal(t, "event", event["type"])
	assert.Equal(t, "context:"+contextID, event["topic"])
	data := event["data"].(map[string]any)
	assert.Equal(t, true, data["success"])
}

func TestTypedMessagesMapToOperations(t *testing.T) {
	f := newWSFixture(t)
	c := f.dial(t)
	f.authenticate(t, c)

	// context + method names the context.create operation.
	body, _ := json.Marshal(dispatch.CreateContextParams{Name: "typed"})
	require.NoError(t, c.WriteJSON(clientMessage{
		Type: msgContext, ID: "t1", Method: "create", Data: body,
	}))
	reply := readReply(t, c)
	require.Equal(t, "response", reply["type"], "%v", reply)
	data := reply["data"].(map[string]any)
	assert.Equal(t, "typed", data["name"])
	contextID := data["id"].(string)

	// session + method names the session.list operation.
	require.NoError(t, c.WriteJSON(clientMessage{
		Type: msgSession, ID: "t2", Method: "list",
	}))
	reply = readReply(t, c)
	require.Equal(t, "response", reply["type"], "%v", reply)

	// action messages execute against the named context without a method.
	require.NoError(t, c.WriteJSON(clientMessage{
		Type: msgRequest, ID: "t3", Method: dispatch.OpPageCreate, Resource: contextID,
	}))
	reply = readReply(t, c)
	pageID := reply["data"].(map[string]any)["id"].(string)

	execBody, _ := json.Marshal(dispatch.ExecuteParams{
		Action:     "navigate",
		PageID:     pageID,
		Parameters: map[string]any{"url": "https://example.com"},
	})
	require.NoError(t, c.WriteJSON(clientMessage{
		Type: msgAction, ID: "t4", Resource: contextID, Data: execBody,
	}))
	reply = readReply(t, c)
	require.Equal(t, "response", reply["type"], "%v", reply)
	assert.Equal(t, true, reply["data"].(map[string]any)["success"])
}

func TestTypedMessageRequiresMethod(t *testing.T) {
	f := newWSFixture(t)
	c := f.dial(t)
	f.authenticate(t, c)

	require.NoError(t, c.WriteJSON(clientMessage{Type: msgContext, ID: "t1"}))
	reply := readReply(t, c)
	assert.Equal(t, "error", reply["type"])
	errObj := reply["error"].(map[string]any)
	assert.Equal(t, "VALIDATION_FAILED", errObj["code"])
}

func TestPingLoopStopsWhenConnectionDrops(t *testing.T) {
	upgrader := websocket.Upgrader{}
	serverSide := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- ws
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	s := NewServer(nil)
	c := &conn{
		id:     "ping-test",
		ws:     <-serverSide,
		done:   make(chan struct{}),
		topics: make(map[string]struct{}),
	}

	exited := make(chan struct{})
	go func() {
		s.pingLoop(c)
		close(exited)
	}()

	// drop must wake the ping loop well before the next ping tick.
	s.drop(c)
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("ping loop still running after connection drop")
	}
}

func TestUnknownMessageType(t *testing.T) {
	f := newWSFixture(t)
	c := f.dial(t)

	require.NoError(t, c.WriteJSON(clientMessage{Type: "teleport", ID: "x"}))
	reply := readReply(t, c)
	assert.Equal(t, "error", reply["type"])
}
