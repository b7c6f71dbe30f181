package eventbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/net/websocket"

	"github.com/blas1n/bsai-sub001/messaging"
)

// Authenticator resolves the principal behind an upgrade request.
type Authenticator func(r *http.Request) (string, error)

// SessionAuthorizer reports whether principal may subscribe to sessionID.
type SessionAuthorizer func(principal, sessionID string) bool

// TokenAuthenticator accepts requests carrying one of tokens, either as a
// bearer Authorization header or a "token" query parameter. The token's
// map value is the principal.
func TokenAuthenticator(tokens map[string]string) Authenticator {
	return func(r *http.Request) (string, error) {
		token := r.URL.Query().Get("token")
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
		if token == "" {
			return "", ErrUnauthenticated
		}
		principal, ok := tokens[token]
		if !ok || principal == "" {
			return "", ErrUnauthenticated
		}
		return principal, nil
	}
}

// WebSocketServer exposes a SessionBroadcaster over WebSocket. Clients send
// subscribe/unsubscribe commands; any other inbound envelope is dispatched
// to the router when the client is subscribed to its session.
type WebSocketServer struct {
	broadcaster *SessionBroadcaster
	router      *messaging.Router
	auth        Authenticator
	authorize   SessionAuthorizer
	logger      *slog.Logger
}

// NewWebSocketServer creates a WebSocket endpoint. authorize may be nil to
// allow any authenticated principal to subscribe to any session.
func NewWebSocketServer(b *SessionBroadcaster, router *messaging.Router, auth Authenticator, authorize SessionAuthorizer, logger *slog.Logger) *WebSocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketServer{
		broadcaster: b,
		router:      router,
		auth:        auth,
		authorize:   authorize,
		logger:      logger.With("component", "websocket"),
	}
}

// Handler returns the HTTP handler performing the upgrade.
func (s *WebSocketServer) Handler() http.Handler {
	return websocket.Server{
		Handshake: s.handshake,
		Handler:   s.serve,
	}
}

func (s *WebSocketServer) handshake(_ *websocket.Config, r *http.Request) error {
	if _, err := s.auth(r); err != nil {
		s.logger.Info("Rejected unauthenticated connection", "remote_addr", r.RemoteAddr)
		return err
	}
	return nil
}

func (s *WebSocketServer) serve(ws *websocket.Conn) {
	defer ws.Close()

	req := ws.Request()
	principal, err := s.auth(req)
	if err != nil {
		return
	}

	client, err := s.broadcaster.Register(principal, func(env messaging.Envelope) error {
		return websocket.JSON.Send(ws, env)
	})
	if err != nil {
		return
	}
	defer s.broadcaster.Unregister(client)

	if sessionID := req.URL.Query().Get("session_id"); sessionID != "" {
		if err := s.subscribe(client, sessionID); err != nil {
			s.reject(client, sessionID, err)
		}
	}

	ctx := req.Context()
	for {
		var env messaging.Envelope
		if err := websocket.JSON.Receive(ws, &env); err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("WebSocket read ended", "client_id", client.ID, "error", err)
			}
			return
		}

		if err := s.handle(ctx, client, env); err != nil {
			s.reject(client, env.SessionID, err)
		}
	}
}

func (s *WebSocketServer) handle(ctx context.Context, client *Client, env messaging.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	switch env.Type {
	case messaging.TypeSubscribe:
		sub, err := messaging.Decode[messaging.Subscribe](env)
		if err != nil {
			return err
		}
		return s.subscribe(client, sub.SessionID)
	case messaging.TypeUnsubscribe:
		sub, err := messaging.Decode[messaging.Subscribe](env)
		if err != nil {
			return err
		}
		s.broadcaster.Unsubscribe(client, sub.SessionID)
		return nil
	}

	if env.SessionID == "" {
		return fmt.Errorf("session_id is required for %s", env.Type)
	}
	if !s.broadcaster.IsSubscribed(client, env.SessionID) {
		return fmt.Errorf("not subscribed to session %s", env.SessionID)
	}
	if s.router == nil {
		return messaging.ErrNoRoute
	}
	return s.router.Dispatch(ctx, env)
}

func (s *WebSocketServer) subscribe(client *Client, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if s.authorize != nil && !s.authorize(client.Principal, sessionID) {
		return fmt.Errorf("principal %s may not subscribe to session %s", client.Principal, sessionID)
	}
	return s.broadcaster.Subscribe(client, sessionID)
}

// reject reports an inbound failure to the client that caused it.
func (s *WebSocketServer) reject(client *Client, sessionID string, cause error) {
	s.logger.Debug("Rejected inbound message", "client_id", client.ID, "error", cause)
	env, err := messaging.NewEnvelope(messaging.TypeError, sessionID, messaging.ErrorMessage{Error: cause.Error()})
	if err != nil {
		return
	}
	s.broadcaster.SendTo(client, env)
}
