package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"parley/internal/core/domain"
	"parley/internal/core/ports"
	"parley/internal/core/services"
	"parley/pkg/cache"
	"parley/pkg/config"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
)

// stubSFU satisfies the engine control API without a network.
type stubSFU struct{}

func (stubSFU) RouterCapabilities(ctx context.Context, roomID domain.RoomID) (json.RawMessage, error) {
	return json.RawMessage(`{"codecs":[{"mimeType":"video/VP8"}]}`), nil
}

func (stubSFU) CreateTransport(ctx context.Context, roomID domain.RoomID, opts ports.TransportOptions) (*ports.TransportInfo, error) {
	return &ports.TransportInfo{ID: "t1", Params: json.RawMessage(`{"id":"t1"}`)}, nil
}

func (stubSFU) ConnectTransport(ctx context.Context, roomID domain.RoomID, transportID domain.TransportID, dtlsParameters json.RawMessage) error {
	return nil
}

func (stubSFU) Produce(ctx context.Context, roomID domain.RoomID, transportID domain.TransportID, kind domain.MediaKind, rtpParameters, appData json.RawMessage) (domain.ProducerID, error) {
	return "p1", nil
}

func (stubSFU) Consume(ctx context.Context, roomID domain.RoomID, transportID domain.TransportID, producerID domain.ProducerID, rtpCapabilities json.RawMessage) (*ports.ConsumerInfo, error) {
	return &ports.ConsumerInfo{ID: "cons1", ProducerID: producerID, Kind: domain.MediaKindVideo}, nil
}

func (stubSFU) CloseProducer(ctx context.Context, roomID domain.RoomID, producerID domain.ProducerID) error {
	return nil
}

func (stubSFU) CloseTransport(ctx context.Context, roomID domain.RoomID, transportID domain.TransportID) error {
	return nil
}

func (stubSFU) Health(ctx context.Context) error { return nil }

type openDirectory struct{}

func (openDirectory) RoomExists(ctx context.Context, roomID domain.RoomID) (bool, error) {
	return true, nil
}

func (openDirectory) AuthorizeJoin(ctx context.Context, userID domain.UserID, roomID domain.RoomID) error {
	return nil
}

func (openDirectory) RoomsForUser(ctx context.Context, userID domain.UserID) ([]domain.RoomID, error) {
	return nil, nil
}

type dropNotifier struct{}

func (dropNotifier) NotifyOffline(ctx context.Context, msg *domain.ChatMessage) error { return nil }

type memoryStore struct {
	messages map[string]*domain.ChatMessage
}

func (s *memoryStore) Save(ctx context.Context, msg *domain.ChatMessage) error {
	cp := *msg
	s.messages[msg.ID] = &cp
	return nil
}

func (s *memoryStore) GetByID(ctx context.Context, id string) (*domain.ChatMessage, error) {
	msg, ok := s.messages[id]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	return msg, nil
}

func (s *memoryStore) ListConversation(ctx context.Context, a, b domain.UserID, page, limit int) ([]*domain.ChatMessage, error) {
	return nil, nil
}

func (s *memoryStore) UpdateStatus(ctx context.Context, id string, status domain.MessageStatus) (bool, error) {
	msg, ok := s.messages[id]
	if !ok {
		return false, domain.ErrMessageNotFound
	}
	if msg.Status == status {
		return false, nil
	}
	msg.Status = status
	return true, nil
}

type gatewayFixture struct {
	url  string
	auth services.AuthService
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	cfg := config.DefaultConfig()
	cfg.Signal.PingInterval = 50 * time.Millisecond
	cfg.Signal.PongTimeout = 5 * time.Second
	cfg.Signal.RequestTimeout = 2 * time.Second

	hub := NewHub(cfg.Signal.WriteTimeout, logger)
	auth := services.NewAuthService("gateway-test-secret", time.Hour)
	presence := services.NewPresenceService(hub, logger)
	sfu := stubSFU{}
	rooms := services.NewRoomRegistry(openDirectory{}, sfu, hub, logger)
	caps := cache.New[json.RawMessage](time.Minute)
	t.Cleanup(caps.Close)
	media := services.NewMediaSessionService(sfu, rooms, caps, logger)
	store := &memoryStore{messages: make(map[string]*domain.ChatMessage)}
	relay := services.NewMessageService(store, presence, hub, dropNotifier{}, logger)

	server := NewWebSocketServer(cfg, hub, auth, presence, rooms, media, relay, openDirectory{}, logger)
	httpServer := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(httpServer.Close)

	return &gatewayFixture{
		url:  "ws" + strings.TrimPrefix(httpServer.URL, "http"),
		auth: auth,
	}
}

type frame struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Error   *ErrorBody      `json:"error"`
}

func (f *gatewayFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := f.url
	if token != "" {
		url += "?token=" + token
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func (f *gatewayFixture) connect(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, err := f.auth.GenerateToken(domain.UserID(userID), "User "+userID)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	ws := f.dial(t, token)
	// Authentication happened at the handshake; the list push confirms it.
	awaitFrame(t, ws, func(fr frame) bool { return fr.Type == services.EventOnlineUsersList })
	return ws
}

func sendRequest(t *testing.T, ws *websocket.Conn, id, msgType string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := ws.WriteJSON(Envelope{ID: id, Type: msgType, Payload: raw}); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

// awaitFrame reads frames until one matches, skipping interleaved events.
func awaitFrame(t *testing.T, ws *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		ws.SetReadDeadline(deadline)
		var fr frame
		if err := ws.ReadJSON(&fr); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(fr) {
			return fr
		}
	}
}

func awaitResponse(t *testing.T, ws *websocket.Conn, id string) frame {
	t.Helper()
	return awaitFrame(t, ws, func(fr frame) bool { return fr.ID == id })
}

func TestExplicitAuthenticate(t *testing.T) {
	f := newGatewayFixture(t)
	ws := f.dial(t, "")

	token, _ := f.auth.GenerateToken("alice", "Alice")
	sendRequest(t, ws, "1", TypeAuthenticate, map[string]string{"token": token})

	resp := awaitResponse(t, ws, "1")
	if resp.Error != nil {
		t.Fatalf("authenticate error: %+v", resp.Error)
	}
	var payload struct {
		UserID string `json:"userId"`
	}
	json.Unmarshal(resp.Payload, &payload)
	if payload.UserID != "alice" {
		t.Errorf("userId = %s, want alice", payload.UserID)
	}

	awaitFrame(t, ws, func(fr frame) bool { return fr.Type == services.EventOnlineUsersList })
}

func TestBadTokenLeavesConnectionOpen(t *testing.T) {
	f := newGatewayFixture(t)
	ws := f.dial(t, "")

	sendRequest(t, ws, "1", TypeAuthenticate, map[string]string{"token": "garbage"})
	resp := awaitResponse(t, ws, "1")
	if resp.Error == nil || resp.Error.Code != "AUTHENTICATION_FAILED" {
		t.Fatalf("error = %+v, want AUTHENTICATION_FAILED", resp.Error)
	}

	// Connection must survive; a retry with a good token succeeds.
	token, _ := f.auth.GenerateToken("alice", "Alice")
	sendRequest(t, ws, "2", TypeAuthenticate, map[string]string{"token": token})
	resp = awaitResponse(t, ws, "2")
	if resp.Error != nil {
		t.Fatalf("retry error: %+v", resp.Error)
	}
}

func TestUnauthenticatedOperationsRejected(t *testing.T) {
	f := newGatewayFixture(t)
	ws := f.dial(t, "")

	sendRequest(t, ws, "1", TypeJoinRoom, map[string]string{"roomId": "r1"})
	resp := awaitResponse(t, ws, "1")
	if resp.Error == nil || resp.Error.Code != "NOT_AUTHENTICATED" {
		t.Fatalf("error = %+v, want NOT_AUTHENTICATED", resp.Error)
	}
}

func TestJoinRoomFanout(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	sendRequest(t, alice, "1", TypeJoinRoom, map[string]string{"roomId": "r1"})
	resp := awaitResponse(t, alice, "1")
	if resp.Error != nil {
		t.Fatalf("join error: %+v", resp.Error)
	}
	var joinResult struct {
		ActiveProducers []json.RawMessage `json:"activeProducers"`
	}
	if err := json.Unmarshal(resp.Payload, &joinResult); err != nil {
		t.Fatalf("join payload: %v", err)
	}
	if len(joinResult.ActiveProducers) != 0 {
		t.Errorf("fresh room has producers: %v", joinResult.ActiveProducers)
	}

	sendRequest(t, bob, "2", TypeJoinRoom, map[string]string{"roomId": "r1"})
	awaitResponse(t, bob, "2")

	joined := awaitFrame(t, alice, func(fr frame) bool { return fr.Type == services.EventUserJoinedRoom })
	var event struct {
		UserID string `json:"userId"`
	}
	json.Unmarshal(joined.Payload, &event)
	if event.UserID != "bob" {
		t.Errorf("userJoinedRoom userId = %s, want bob", event.UserID)
	}
}

func TestChatDelivery(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	sendRequest(t, alice, "1", TypeSendMessage, map[string]interface{}{
		"receiverId": "bob",
		"content":    "hello bob",
		"type":       "text",
		"tempId":     "tmp-1",
	})

	resp := awaitResponse(t, alice, "1")
	if resp.Error != nil {
		t.Fatalf("send error: %+v", resp.Error)
	}
	var receipt struct {
		Delivered bool   `json:"delivered"`
		TempID    string `json:"tempId"`
	}
	json.Unmarshal(resp.Payload, &receipt)
	if !receipt.Delivered || receipt.TempID != "tmp-1" {
		t.Errorf("receipt = %+v", receipt)
	}

	awaitFrame(t, alice, func(fr frame) bool { return fr.Type == EventMessageSent })

	received := awaitFrame(t, bob, func(fr frame) bool { return fr.Type == services.EventReceiveMessage })
	var msg struct {
		Content  string `json:"content"`
		SenderID string `json:"senderId"`
	}
	json.Unmarshal(received.Payload, &msg)
	if msg.Content != "hello bob" || msg.SenderID != "alice" {
		t.Errorf("received = %+v", msg)
	}
}

func TestMediaNegotiationRoundTrip(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.connect(t, "alice")

	sendRequest(t, alice, "1", TypeJoinRoom, map[string]string{"roomId": "r1"})
	awaitResponse(t, alice, "1")

	sendRequest(t, alice, "2", TypeGetRouterRtpCapabilities, map[string]string{"roomId": "r1"})
	caps := awaitResponse(t, alice, "2")
	if caps.Error != nil {
		t.Fatalf("capabilities error: %+v", caps.Error)
	}

	sendRequest(t, alice, "3", TypeCreateWebRtcTransport, map[string]interface{}{
		"roomId":    "r1",
		"producing": true,
	})
	created := awaitResponse(t, alice, "3")
	if created.Error != nil {
		t.Fatalf("create transport error: %+v", created.Error)
	}

	sendRequest(t, alice, "4", TypeProduce, map[string]interface{}{
		"roomId":        "r1",
		"transportId":   "t1",
		"kind":          "video",
		"rtpParameters": map[string]interface{}{"codecs": []map[string]interface{}{{"mimeType": "video/VP8"}}},
	})
	produced := awaitResponse(t, alice, "4")
	if produced.Error != nil {
		t.Fatalf("produce error: %+v", produced.Error)
	}
	var prodResult struct {
		ProducerID string `json:"producerId"`
	}
	json.Unmarshal(produced.Payload, &prodResult)
	if prodResult.ProducerID != "p1" {
		t.Errorf("producerId = %s", prodResult.ProducerID)
	}
}

func TestDisconnectCleanupChain(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	sendRequest(t, alice, "1", TypeJoinRoom, map[string]string{"roomId": "r1"})
	awaitResponse(t, alice, "1")
	sendRequest(t, bob, "2", TypeJoinRoom, map[string]string{"roomId": "r1"})
	awaitResponse(t, bob, "2")
	awaitFrame(t, alice, func(fr frame) bool { return fr.Type == services.EventUserJoinedRoom })

	alice.Close()

	left := awaitFrame(t, bob, func(fr frame) bool { return fr.Type == services.EventUserLeftRoom })
	var event struct {
		UserID string `json:"userId"`
	}
	json.Unmarshal(left.Payload, &event)
	if event.UserID != "alice" {
		t.Errorf("userLeftRoom userId = %s, want alice", event.UserID)
	}

	awaitFrame(t, bob, func(fr frame) bool {
		if fr.Type != services.EventUserStatusChanged {
			return false
		}
		var status struct {
			UserID string `json:"userId"`
			Status string `json:"status"`
		}
		json.Unmarshal(fr.Payload, &status)
		return status.UserID == "alice" && status.Status == "offline"
	})
}
