package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"parley/internal/core/domain"
	"parley/internal/core/ports"
	"parley/internal/core/services"
	"parley/pkg/config"
	plog "parley/pkg/logger"
	"parley/pkg/tracing"
	"parley/pkg/utils"
	"parley/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ConnectionMetrics receives gateway-level measurements.
type ConnectionMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	SignalHandled(messageType string, duration time.Duration, err error)
}

type noopMetrics struct{}

func (noopMetrics) ConnectionOpened()                          {}
func (noopMetrics) ConnectionClosed()                          {}
func (noopMetrics) SignalHandled(string, time.Duration, error) {}

// WebSocketServer is the connection gateway: it upgrades clients, reads the
// envelope stream, dispatches each request on its own goroutine and drives
// the disconnect cleanup chain. One Connection exists per socket for the
// socket's lifetime.
type WebSocketServer struct {
	hub       *Hub
	auth      services.AuthService
	presence  ports.Presence
	rooms     ports.RoomRegistry
	media     ports.MediaSession
	relay     ports.MessageRelay
	directory ports.RoomDirectory

	upgrader websocket.Upgrader

	pingInterval    time.Duration
	pongTimeout     time.Duration
	writeTimeout    time.Duration
	maxMessageBytes int64
	requestTimeout  time.Duration
	messagesPerSec  float64
	burst           int

	metrics ConnectionMetrics
	logger  *zap.SugaredLogger
	ctxLog  *plog.ContextLogger
}

func NewWebSocketServer(
	cfg *config.Config,
	hub *Hub,
	auth services.AuthService,
	presence ports.Presence,
	rooms ports.RoomRegistry,
	media ports.MediaSession,
	relay ports.MessageRelay,
	directory ports.RoomDirectory,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	allowed := cfg.Auth.AllowedOrigins
	return &WebSocketServer{
		hub:       hub,
		auth:      auth,
		presence:  presence,
		rooms:     rooms,
		media:     media,
		relay:     relay,
		directory: directory,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				for _, o := range allowed {
					if o == "*" || o == origin {
						return true
					}
				}
				return false
			},
		},
		pingInterval:    cfg.Signal.PingInterval,
		pongTimeout:     cfg.Signal.PongTimeout,
		writeTimeout:    cfg.Signal.WriteTimeout,
		maxMessageBytes: cfg.Signal.MaxMessageBytes,
		requestTimeout:  cfg.Signal.RequestTimeout,
		messagesPerSec:  cfg.Signal.MessagesPerSecond,
		burst:           cfg.Signal.Burst,
		metrics:         noopMetrics{},
		logger:          logger,
		ctxLog:          plog.NewContextLogger(logger.Desugar()),
	}
}

// SetMetrics installs the metrics hook. Must be called before serving.
func (s *WebSocketServer) SetMetrics(m ConnectionMetrics) {
	if m != nil {
		s.metrics = m
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := domain.NewConnection(domain.ConnectionID(utils.GenerateConnectionID()))
	cl := s.hub.register(conn.ID, ws)
	s.metrics.ConnectionOpened()
	s.logger.Infow("connection opened", "connection_id", conn.ID, "remote", r.RemoteAddr)

	// A token presented at the handshake authenticates immediately; a missing
	// or bad one leaves the connection unauthenticated, it may still send an
	// explicit authenticate request.
	if token, err := s.auth.ExtractToken(r); err == nil {
		if _, err := s.authenticate(r.Context(), conn, token); err != nil {
			s.logger.Infow("handshake authentication rejected",
				"connection_id", conn.ID,
				"token", utils.MaskSensitive(token, 8),
				"error", err,
			)
		}
	}

	if s.maxMessageBytes > 0 {
		ws.SetReadLimit(s.maxMessageBytes)
	}
	ws.SetReadDeadline(time.Now().Add(s.pongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.pongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	envelopeChan := make(chan Envelope, 16)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var env Envelope
			if err := ws.ReadJSON(&env); err != nil {
				errorChan <- err
				return
			}
			ws.SetReadDeadline(time.Now().Add(s.pongTimeout))
			envelopeChan <- env
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(s.messagesPerSec), s.burst)

	for {
		select {
		case env := <-envelopeChan:
			if !limiter.Allow() {
				s.respondError(cl, env.ID, fmt.Errorf("rate limit exceeded"), "RATE_LIMIT_EXCEEDED")
				continue
			}
			go s.dispatch(conn, cl, env)

		case <-pingTicker.C:
			cl.mu.Lock()
			ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			err := ws.WriteMessage(websocket.PingMessage, nil)
			cl.mu.Unlock()
			if err != nil {
				s.logger.Infow("ping failed", "connection_id", conn.ID, "error", err)
				goto cleanup
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("read failed", "connection_id", conn.ID, "error", err)
			}
			goto cleanup
		}
	}

cleanup:
	s.disconnect(conn)
}

// disconnect runs the teardown chain: presence first so peers learn the user
// is gone, then room departure (which tears down producers), then transport
// cleanup on the engine.
func (s *WebSocketServer) disconnect(conn *domain.Connection) {
	s.hub.unregister(conn.ID)
	s.metrics.ConnectionClosed()

	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()

	if userID, _, ok := conn.Identity(); ok {
		s.presence.SetOffline(ctx, userID, conn.ID)
	}
	s.rooms.LeaveAll(ctx, conn)
	s.media.CleanupConnection(ctx, conn)

	s.logger.Infow("connection closed", "connection_id", conn.ID)
}

// dispatch handles one request on its own goroutine so a slow engine call
// never blocks the read loop. A panic fails the single request, not the
// connection.
func (s *WebSocketServer) dispatch(conn *domain.Connection, cl *client, env Envelope) {
	start := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("request handler panicked",
				"connection_id", conn.ID,
				"type", env.Type,
				"panic", r,
			)
			err = fmt.Errorf("internal error")
			s.respond(cl, env.ID, nil, err)
		}
		s.metrics.SignalHandled(env.Type, time.Since(start), err)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()
	ctx = plog.WithConnectionID(ctx, string(conn.ID))
	if env.ID != "" {
		ctx = plog.WithRequestID(ctx, env.ID)
	}
	if userID := conn.UserID(); userID != "" {
		ctx = plog.WithUserID(ctx, string(userID))
	}
	ctx, span := tracing.TraceSignalMessage(ctx, env.Type, string(conn.ID))
	defer span.End()

	var payload interface{}
	payload, err = s.handleRequest(ctx, conn, env)
	if err != nil {
		tracing.RecordError(ctx, err)
		s.ctxLog.LogError(ctx, err, "request failed", zap.String("type", env.Type))
		if env.Type == TypeSendMessage {
			s.hub.Send(conn.ID, EventMessageError, errorBody(err))
		}
	}
	s.respond(cl, env.ID, payload, err)
}

func (s *WebSocketServer) respond(cl *client, id string, payload interface{}, err error) {
	if id == "" {
		return
	}
	resp := Response{ID: id, Type: "response"}
	if err != nil {
		resp.Error = errorBody(err)
	} else {
		resp.Payload = payload
	}
	if werr := cl.writeJSON(resp, s.writeTimeout); werr != nil {
		s.logger.Debugw("response write failed", "id", id, "error", werr)
	}
}

func (s *WebSocketServer) respondError(cl *client, id string, err error, code string) {
	if id == "" {
		return
	}
	resp := Response{ID: id, Type: "response", Error: &ErrorBody{Code: code, Message: err.Error()}}
	if werr := cl.writeJSON(resp, s.writeTimeout); werr != nil {
		s.logger.Debugw("response write failed", "id", id, "error", werr)
	}
}

func (s *WebSocketServer) handleRequest(ctx context.Context, conn *domain.Connection, env Envelope) (interface{}, error) {
	switch env.Type {
	case TypeAuthenticate:
		var p authenticatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, domain.ErrAuthenticationFailed
		}
		return s.authenticate(ctx, conn, p.Token)

	case TypeJoinRoom:
		var p roomPayload
		if err := decodeRoomPayload(env.Payload, &p); err != nil {
			return nil, err
		}
		producers, err := s.rooms.Join(ctx, conn, p.RoomID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"activeProducers": producers}, nil

	case TypeLeaveRoom:
		var p roomPayload
		if err := decodeRoomPayload(env.Payload, &p); err != nil {
			return nil, err
		}
		if err := s.rooms.Leave(ctx, conn, p.RoomID, false); err != nil {
			return nil, err
		}
		return map[string]interface{}{}, nil

	case TypeGetRouterRtpCapabilities:
		var p roomPayload
		if err := decodeRoomPayload(env.Payload, &p); err != nil {
			return nil, err
		}
		return s.media.RouterCapabilities(ctx, conn, p.RoomID)

	case TypeCreateWebRtcTransport:
		var p createTransportPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, domain.ErrInvalidNegotiationBlob
		}
		info, err := s.media.CreateTransport(ctx, conn, p.RoomID, ports.TransportOptions{
			Producing:        p.Producing,
			Consuming:        p.Consuming,
			SCTPCapabilities: p.SCTPCapabilities,
		})
		if err != nil {
			return nil, err
		}
		return info.Params, nil

	case TypeConnectWebRtcTransport:
		var p connectTransportPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, domain.ErrInvalidNegotiationBlob
		}
		if err := s.media.ConnectTransport(ctx, conn, p.RoomID, p.TransportID, p.DTLSParameters); err != nil {
			return nil, err
		}
		return map[string]interface{}{}, nil

	case TypeProduce:
		return s.produce(ctx, conn, env.Payload, domain.SourceWebcam)

	case TypeStartScreenShare:
		return s.produce(ctx, conn, env.Payload, domain.SourceScreen)

	case TypeConsume:
		var p consumePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, domain.ErrInvalidNegotiationBlob
		}
		return s.media.Consume(ctx, conn, p.RoomID, p.TransportID, p.ProducerID, p.RTPCapabilities)

	case TypeStopScreenShare:
		var p closeProducerPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, domain.ErrProducerNotFound
		}
		if err := s.media.CloseProducer(ctx, conn, p.RoomID, p.ProducerID); err != nil {
			return nil, err
		}
		return map[string]interface{}{}, nil

	case TypeSendMessage:
		userID, _, ok := conn.Identity()
		if !ok {
			return nil, domain.ErrNotAuthenticated
		}
		var p sendMessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, domain.ErrInvalidMessageType
		}
		receipt, err := s.relay.Send(ctx, userID, ports.SendMessageRequest{
			ReceiverID: p.ReceiverID,
			Content:    p.Content,
			Type:       p.Type,
			TempID:     p.TempID,
		})
		if err != nil {
			return nil, err
		}
		s.hub.Send(conn.ID, EventMessageSent, receipt)
		return receipt, nil

	case TypeGetMessages:
		userID, _, ok := conn.Identity()
		if !ok {
			return nil, domain.ErrNotAuthenticated
		}
		var p getMessagesPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, domain.ErrMessageNotFound
		}
		messages, err := s.relay.History(ctx, userID, p.ReceiverID, p.Page, p.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"messages": messages}, nil

	case TypeMarkMessageAsRead:
		userID, _, ok := conn.Identity()
		if !ok {
			return nil, domain.ErrNotAuthenticated
		}
		var p markMessageAsReadPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.MessageID == "" {
			return nil, domain.ErrMessageNotFound
		}
		if err := s.relay.MarkAsRead(ctx, p.MessageID, userID); err != nil {
			return nil, err
		}
		return map[string]interface{}{}, nil

	case TypeTyping:
		userID, _, ok := conn.Identity()
		if !ok {
			return nil, domain.ErrNotAuthenticated
		}
		var p typingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, domain.ErrNotAuthenticated
		}
		s.presence.Typing(ctx, userID, p.ReceiverID, p.IsTyping)
		return map[string]interface{}{}, nil

	case TypeGetOnlineUsers:
		if !conn.Authenticated() {
			return nil, domain.ErrNotAuthenticated
		}
		return map[string]interface{}{"users": s.presence.OnlineUsers()}, nil

	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}

func (s *WebSocketServer) produce(ctx context.Context, conn *domain.Connection, raw json.RawMessage, source domain.ProducerSource) (interface{}, error) {
	var p producePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, domain.ErrInvalidNegotiationBlob
	}
	// An explicit appData.type wins over the request-implied source.
	if len(p.AppData) > 0 {
		var appData struct {
			Type domain.ProducerSource `json:"type"`
		}
		if err := json.Unmarshal(p.AppData, &appData); err == nil && appData.Type != "" {
			source = appData.Type
		}
	}
	producerID, err := s.media.Produce(ctx, conn, p.RoomID, p.TransportID, p.Kind, p.RTPParameters, p.AppData, source)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"producerId": producerID}, nil
}

// authenticate attaches the validated identity, registers presence, rejoins
// the user's standing rooms and pushes the current online-user list. A
// failure leaves the connection open and unauthenticated.
func (s *WebSocketServer) authenticate(ctx context.Context, conn *domain.Connection, token string) (interface{}, error) {
	claims, err := s.auth.ValidateToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAuthenticationFailed, err)
	}

	username := claims.Username
	if username == "" {
		username = string(claims.UserID)
	}
	conn.SetIdentity(claims.UserID, username)
	s.presence.SetOnline(ctx, claims.UserID, username, conn.ID)

	// Standing memberships from the room directory are re-entered so the
	// client receives room events without an explicit joinRoom per room.
	roomIDs, err := s.directory.RoomsForUser(ctx, claims.UserID)
	if err != nil {
		s.logger.Warnw("standing room lookup failed", "user_id", claims.UserID, "error", err)
	}
	for _, roomID := range roomIDs {
		if _, err := s.rooms.Join(ctx, conn, roomID); err != nil {
			s.logger.Warnw("standing room rejoin failed",
				"user_id", claims.UserID,
				"room_id", roomID,
				"error", err,
			)
		}
	}

	s.hub.Send(conn.ID, services.EventOnlineUsersList, map[string]interface{}{
		"users": s.presence.OnlineUsers(),
	})

	s.logger.Infow("connection authenticated",
		"connection_id", conn.ID,
		"user_id", claims.UserID,
		"rooms", len(roomIDs),
	)
	return map[string]interface{}{
		"userId":   claims.UserID,
		"username": username,
	}, nil
}

func decodeRoomPayload(raw json.RawMessage, p *roomPayload) error {
	if err := json.Unmarshal(raw, p); err != nil {
		return domain.ErrRoomNotFound
	}
	if err := validation.ValidateRoomID(string(p.RoomID)); err != nil {
		return err
	}
	return nil
}
