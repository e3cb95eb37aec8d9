// Package ws exposes the control plane over a WebSocket connection.
// Clients authenticate with their first message, then send typed
// messages (session, context, action) or raw request messages that map
// onto dispatch operations. Connections can subscribe to context topics
// to receive action events as they happen.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/auth"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/dispatch"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/types"
)

const (
	// writeWait bounds a single message write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = 50 * time.Second
	// authWait is how long a fresh connection has to authenticate.
	authWait = 10 * time.Second
	// maxMessageSize caps inbound frames.
	maxMessageSize = 1 << 20
)

// Client message types. Typed messages (session, context, action) name
// their operation with a method field; request carries the full
// dispatch operation name directly.
const (
	msgAuth        = "auth"
	msgSession     = "session"
	msgContext     = "context"
	msgAction      = "action"
	msgRequest     = "request"
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
	msgPing        = "ping"
)

// clientMessage is the inbound message envelope.
type clientMessage struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	Method   string          `json:"method,omitempty"`
	Resource string          `json:"resource,omitempty"`
	PageID   string          `json:"pageId,omitempty"`
	Topic    string          `json:"topic,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Auth     *authPayload    `json:"auth,omitempty"`
}

type authPayload struct {
	Token     string `json:"token,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// serverMessage is the outbound message envelope for non-error replies.
type serverMessage struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Topic string `json:"topic,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// conn is one live client connection.
type conn struct {
	id        string
	ws        *websocket.Conn
	principal types.Principal
	authed    bool
	done      chan struct{}

	writeMu sync.Mutex
	topics  map[string]struct{}
}

// Server is the WebSocket front-end.
type Server struct {
	dispatcher *dispatch.Dispatcher
	upgrader   websocket.Upgrader

	mu     sync.Mutex
	byTopic map[string]map[*conn]struct{}
}

// NewServer builds the WebSocket server.
func NewServer(d *dispatch.Dispatcher) *Server {
	s := &Server{
		dispatcher: d,
		byTopic:    make(map[string]map[*conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || sameHost(origin, r.Host)
		},
	}
	return s
}

func sameHost(origin, host string) bool {
	o := origin
	if i := strings.Index(o, "://"); i >= 0 {
		o = o[i+3:]
	}
	if i := strings.IndexByte(o, '/'); i >= 0 {
		o = o[:i]
	}
	return strings.EqualFold(o, host)
}

// ServeHTTP upgrades the connection and runs its read loop.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &conn{
		id:     uuid.NewString(),
		ws:     ws,
		done:   make(chan struct{}),
		topics: make(map[string]struct{}),
	}
	log.Info().Str("connection_id", c.id).Msg("WebSocket connected")

	go s.pingLoop(c)
	s.readLoop(r.Context(), c)
}

func (s *Server) readLoop(ctx context.Context, c *conn) {
	defer s.drop(c)

	c.ws.SetReadLimit(maxMessageSize)
	// Until authentication succeeds the deadline is short.
	_ = c.ws.SetReadDeadline(time.Now().Add(authWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("WebSocket read error")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case msgAuth:
			s.handleAuth(ctx, c, &msg)
		case msgPing:
			s.send(c, serverMessage{Type: "pong", ID: msg.ID})
		case msgSession, msgContext, msgAction, msgRequest, msgSubscribe, msgUnsubscribe:
			if !c.authed {
				s.sendError(c, msg.ID, nil, types.ErrMissingCredential)
				continue
			}
			switch msg.Type {
			case msgSubscribe:
				s.subscribe(c, msg.Topic)
				s.send(c, serverMessage{Type: "subscribed", ID: msg.ID, Topic: msg.Topic})
			case msgUnsubscribe:
				s.unsubscribe(c, msg.Topic)
				s.send(c, serverMessage{Type: "unsubscribed", ID: msg.ID, Topic: msg.Topic})
			default:
				s.handleRequest(ctx, c, &msg)
			}
		default:
			s.sendError(c, msg.ID, nil,
				fmt.Errorf("%w: message type %q", types.ErrInvalidParameters, msg.Type))
		}
	}
}

func (s *Server) handleAuth(ctx context.Context, c *conn, msg *clientMessage) {
	if msg.Auth == nil {
		s.sendError(c, msg.ID, nil, types.ErrMissingCredential)
		return
	}
	creds := auth.Credentials{
		BearerToken: msg.Auth.Token,
		APIKey:      msg.Auth.APIKey,
		SessionID:   msg.Auth.SessionID,
	}
	p, err := s.dispatcher.Auth().Authenticate(ctx, creds)
	if err != nil {
		s.sendError(c, msg.ID, nil, err)
		return
	}
	c.principal = p
	c.authed = true
	s.send(c, serverMessage{Type: "auth_success", ID: msg.ID, Data: map[string]string{
		"connectionId": c.id,
		"userId":       p.UserID,
	}})
}

// operationFor maps a client message onto a dispatch operation name.
func operationFor(msg *clientMessage) (string, error) {
	switch msg.Type {
	case msgSession, msgContext:
		if msg.Method == "" {
			return "", fmt.Errorf("%w: %s message requires a method", types.ErrInvalidParameters, msg.Type)
		}
		return msg.Type + "." + msg.Method, nil
	case msgAction:
		return dispatch.OpContextExecute, nil
	default:
		return msg.Method, nil
	}
}

func (s *Server) handleRequest(ctx context.Context, c *conn, msg *clientMessage) {
	op, err := operationFor(msg)
	if err != nil {
		s.sendError(c, msg.ID, nil, err)
		return
	}

	rec := &dispatch.Record{
		Protocol:      dispatch.ProtocolWS,
		Operation:     op,
		ResourceID:    msg.Resource,
		PageID:        msg.PageID,
		Body:          msg.Data,
		Principal:     c.principal,
		RequestID:     uuid.NewString(),
		CorrelationID: msg.ID,
	}

	out, err := s.dispatcher.Dispatch(ctx, rec)
	if err != nil {
		s.sendError(c, msg.ID, rec, err)
		return
	}
	s.send(c, serverMessage{Type: "response", ID: msg.ID, Data: out})

	// Action executions are fanned out to topic subscribers.
	if rec.Operation == dispatch.OpContextExecute && msg.Resource != "" {
		s.publish("context:"+msg.Resource, serverMessage{
			Type:  "event",
			Topic: "context:" + msg.Resource,
			Data:  out,
		})
	}
}

func (s *Server) subscribe(c *conn, topic string) {
	if topic == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byTopic[topic] == nil {
		s.byTopic[topic] = make(map[*conn]struct{})
	}
	s.byTopic[topic][c] = struct{}{}
	c.topics[topic] = struct{}{}
}

func (s *Server) unsubscribe(c *conn, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set := s.byTopic[topic]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(s.byTopic, topic)
		}
	}
	delete(c.topics, topic)
}

// publish delivers a message to every subscriber of a topic.
func (s *Server) publish(topic string, msg serverMessage) {
	s.mu.Lock()
	subscribers := make([]*conn, 0, len(s.byTopic[topic]))
	for c := range s.byTopic[topic] {
		subscribers = append(subscribers, c)
	}
	s.mu.Unlock()

	for _, c := range subscribers {
		s.send(c, msg)
	}
}

// drop removes a connection from every topic and closes it.
func (s *Server) drop(c *conn) {
	s.mu.Lock()
	for topic := range c.topics {
		if set := s.byTopic[topic]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(s.byTopic, topic)
			}
		}
	}
	s.mu.Unlock()

	close(c.done)
	_ = c.ws.Close()
	log.Info().Str("connection_id", c.id).Msg("WebSocket disconnected")
}

func (s *Server) send(c *conn, msg serverMessage) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(msg); err != nil {
		log.Debug().Err(err).Str("connection_id", c.id).Msg("WebSocket write failed")
	}
}

// sendError projects an error envelope onto the connection.
func (s *Server) sendError(c *conn, messageID string, rec *dispatch.Record, err error) {
	env := s.dispatcher.Fail(err, rec)
	wsErr := env.WSProject(messageID, c.id)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if werr := c.ws.WriteJSON(wsErr); werr != nil {
		log.Debug().Err(werr).Str("connection_id", c.id).Msg("WebSocket error write failed")
	}
}

func (s *Server) pingLoop(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
