package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"parley/internal/core/domain"
	"parley/internal/core/ports"
	"parley/pkg/cache"

	"go.uber.org/zap/zaptest"
)

// fakeSFU is a programmable stand-in for the relay engine control API.
type fakeSFU struct {
	mu               sync.Mutex
	capsCalls        int
	produceCalls     int
	consumeCalls     int
	closedProducers  []domain.ProducerID
	closedTransports []domain.TransportID

	produceErr error
	onProduce  func()
}

func (f *fakeSFU) RouterCapabilities(ctx context.Context, roomID domain.RoomID) (json.RawMessage, error) {
	f.mu.Lock()
	f.capsCalls++
	f.mu.Unlock()
	return json.RawMessage(`{"codecs":[{"mimeType":"audio/opus"}]}`), nil
}

func (f *fakeSFU) CreateTransport(ctx context.Context, roomID domain.RoomID, opts ports.TransportOptions) (*ports.TransportInfo, error) {
	return &ports.TransportInfo{ID: "t1", Params: json.RawMessage(`{"iceParameters":{}}`)}, nil
}

func (f *fakeSFU) ConnectTransport(ctx context.Context, roomID domain.RoomID, transportID domain.TransportID, dtlsParameters json.RawMessage) error {
	return nil
}

func (f *fakeSFU) Produce(ctx context.Context, roomID domain.RoomID, transportID domain.TransportID, kind domain.MediaKind, rtpParameters, appData json.RawMessage) (domain.ProducerID, error) {
	f.mu.Lock()
	f.produceCalls++
	f.mu.Unlock()
	if f.onProduce != nil {
		f.onProduce()
	}
	if f.produceErr != nil {
		return "", f.produceErr
	}
	return "p1", nil
}

func (f *fakeSFU) Consume(ctx context.Context, roomID domain.RoomID, transportID domain.TransportID, producerID domain.ProducerID, rtpCapabilities json.RawMessage) (*ports.ConsumerInfo, error) {
	f.mu.Lock()
	f.consumeCalls++
	f.mu.Unlock()
	return &ports.ConsumerInfo{
		ID:            "cons1",
		ProducerID:    producerID,
		Kind:          domain.MediaKindVideo,
		RTPParameters: json.RawMessage(`{"codecs":[]}`),
	}, nil
}

func (f *fakeSFU) CloseProducer(ctx context.Context, roomID domain.RoomID, producerID domain.ProducerID) error {
	f.mu.Lock()
	f.closedProducers = append(f.closedProducers, producerID)
	f.mu.Unlock()
	return nil
}

func (f *fakeSFU) CloseTransport(ctx context.Context, roomID domain.RoomID, transportID domain.TransportID) error {
	f.mu.Lock()
	f.closedTransports = append(f.closedTransports, transportID)
	f.mu.Unlock()
	return nil
}

func (f *fakeSFU) Health(ctx context.Context) error { return nil }

var (
	validRTPParams = json.RawMessage(`{"codecs":[{"mimeType":"video/VP8","clockRate":90000}]}`)
	validDTLS      = json.RawMessage(`{"role":"auto","fingerprints":[{"algorithm":"sha-256","value":"AA:BB"}]}`)
)

func newTestMedia(t *testing.T) (*MediaSessionService, *RoomRegistry, *fakeSFU, *sinkRecorder) {
	t.Helper()
	sink := &sinkRecorder{}
	sfu := &fakeSFU{}
	logger := zaptest.NewLogger(t).Sugar()
	reg := NewRoomRegistry(&fakeDirectory{}, sfu, sink, logger)
	caps := cache.New[json.RawMessage](time.Minute)
	t.Cleanup(caps.Close)
	media := NewMediaSessionService(sfu, reg, caps, logger)
	return media, reg, sfu, sink
}

func TestRouterCapabilitiesCached(t *testing.T) {
	media, reg, sfu, _ := newTestMedia(t)
	ctx := context.Background()

	alice := newTestConn("c-alice", "alice")
	bob := newTestConn("c-bob", "bob")
	reg.Join(ctx, alice, "r1")
	reg.Join(ctx, bob, "r1")

	for _, conn := range []*domain.Connection{alice, bob, alice} {
		if _, err := media.RouterCapabilities(ctx, conn, "r1"); err != nil {
			t.Fatalf("capabilities: %v", err)
		}
	}
	if sfu.capsCalls != 1 {
		t.Errorf("engine capability calls = %d, want 1 (cached)", sfu.capsCalls)
	}
	if got := media.Phase(alice.ID, "r1"); got != PhaseCapabilitiesKnown {
		t.Errorf("phase = %v, want capabilities_known", got)
	}
}

func TestMediaOpsRequireMembership(t *testing.T) {
	media, reg, _, _ := newTestMedia(t)
	ctx := context.Background()

	anon := domain.NewConnection("c-anon")
	if _, err := media.RouterCapabilities(ctx, anon, "r1"); !errors.Is(err, domain.ErrNotAuthenticated) {
		t.Errorf("unauthenticated err = %v, want ErrNotAuthenticated", err)
	}

	outsider := newTestConn("c-out", "mallory")
	if _, err := media.CreateTransport(ctx, outsider, "r1", ports.TransportOptions{Producing: true}); !errors.Is(err, domain.ErrNotRoomMember) {
		t.Errorf("non-member err = %v, want ErrNotRoomMember", err)
	}

	member := newTestConn("c-m", "alice")
	reg.Join(ctx, member, "r1")
	if _, err := media.CreateTransport(ctx, member, "r1", ports.TransportOptions{Producing: true}); err != nil {
		t.Errorf("member create transport: %v", err)
	}
}

func TestCreateTransportValidation(t *testing.T) {
	media, reg, _, _ := newTestMedia(t)
	ctx := context.Background()

	alice := newTestConn("c-alice", "alice")
	reg.Join(ctx, alice, "r1")

	if _, err := media.CreateTransport(ctx, alice, "r1", ports.TransportOptions{}); !errors.Is(err, domain.ErrInvalidTransportOptions) {
		t.Errorf("directionless err = %v, want ErrInvalidTransportOptions", err)
	}

	bad := ports.TransportOptions{Consuming: true, SCTPCapabilities: json.RawMessage(`"nope"`)}
	if _, err := media.CreateTransport(ctx, alice, "r1", bad); !errors.Is(err, domain.ErrInvalidNegotiationBlob) {
		t.Errorf("bad sctp err = %v, want ErrInvalidNegotiationBlob", err)
	}
}

func TestConnectTransport(t *testing.T) {
	media, reg, _, _ := newTestMedia(t)
	ctx := context.Background()

	alice := newTestConn("c-alice", "alice")
	reg.Join(ctx, alice, "r1")

	if err := media.ConnectTransport(ctx, alice, "r1", "ghost", validDTLS); !errors.Is(err, domain.ErrTransportNotFound) {
		t.Fatalf("unowned transport err = %v, want ErrTransportNotFound", err)
	}

	info, err := media.CreateTransport(ctx, alice, "r1", ports.TransportOptions{Producing: true})
	if err != nil {
		t.Fatalf("create transport: %v", err)
	}

	if err := media.ConnectTransport(ctx, alice, "r1", info.ID, json.RawMessage(`{"fingerprints":[]}`)); !errors.Is(err, domain.ErrInvalidNegotiationBlob) {
		t.Errorf("empty fingerprints err = %v, want ErrInvalidNegotiationBlob", err)
	}

	if err := media.ConnectTransport(ctx, alice, "r1", info.ID, validDTLS); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := media.Phase(alice.ID, "r1"); got != PhaseConnected {
		t.Errorf("phase = %v, want connected", got)
	}
}

func TestProduceFansOutNewProducer(t *testing.T) {
	media, reg, _, sink := newTestMedia(t)
	ctx := context.Background()

	alice := newTestConn("c-alice", "alice")
	bob := newTestConn("c-bob", "bob")
	reg.Join(ctx, alice, "r1")
	reg.Join(ctx, bob, "r1")

	info, _ := media.CreateTransport(ctx, alice, "r1", ports.TransportOptions{Producing: true})
	id, err := media.Produce(ctx, alice, "r1", info.ID, domain.MediaKindVideo, validRTPParams, json.RawMessage(`{"type":"screen"}`), domain.SourceScreen)
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	if id != "p1" {
		t.Errorf("producer id = %s", id)
	}

	if got := sink.sendsTo(bob.ID, EventNewProducer); len(got) != 1 {
		t.Fatalf("newProducer to bob = %d, want 1", len(got))
	}
	if got := sink.sendsTo(alice.ID, EventNewProducer); len(got) != 0 {
		t.Errorf("owner received its own newProducer")
	}
	if got := media.Phase(alice.ID, "r1"); got != PhaseActive {
		t.Errorf("phase = %v, want active", got)
	}
}

func TestProduceValidation(t *testing.T) {
	media, reg, _, _ := newTestMedia(t)
	ctx := context.Background()

	alice := newTestConn("c-alice", "alice")
	reg.Join(ctx, alice, "r1")
	info, _ := media.CreateTransport(ctx, alice, "r1", ports.TransportOptions{Producing: true})

	if _, err := media.Produce(ctx, alice, "r1", info.ID, "screen", validRTPParams, nil, ""); !errors.Is(err, domain.ErrInvalidMediaKind) {
		t.Errorf("bad kind err = %v, want ErrInvalidMediaKind", err)
	}
	if _, err := media.Produce(ctx, alice, "r1", "ghost", domain.MediaKindVideo, validRTPParams, nil, ""); !errors.Is(err, domain.ErrTransportNotFound) {
		t.Errorf("unowned transport err = %v, want ErrTransportNotFound", err)
	}
	if _, err := media.Produce(ctx, alice, "r1", info.ID, domain.MediaKindVideo, json.RawMessage(`{"codecs":[]}`), nil, ""); !errors.Is(err, domain.ErrInvalidNegotiationBlob) {
		t.Errorf("codecless params err = %v, want ErrInvalidNegotiationBlob", err)
	}
}

// The owner leaving while the engine call is in flight must not leave an
// orphaned producer behind on the engine.
func TestProduceOwnerRacedAway(t *testing.T) {
	media, reg, sfu, _ := newTestMedia(t)
	ctx := context.Background()

	alice := newTestConn("c-alice", "alice")
	bob := newTestConn("c-bob", "bob")
	reg.Join(ctx, alice, "r1")
	reg.Join(ctx, bob, "r1")
	info, _ := media.CreateTransport(ctx, alice, "r1", ports.TransportOptions{Producing: true})

	sfu.onProduce = func() {
		reg.Leave(ctx, alice, "r1", true)
	}

	_, err := media.Produce(ctx, alice, "r1", info.ID, domain.MediaKindVideo, validRTPParams, nil, "")
	if err == nil {
		t.Fatal("produce succeeded for a departed owner")
	}
	if got := sfu.closedProducers; len(got) != 1 || got[0] != "p1" {
		t.Errorf("orphan not closed on engine: %v", got)
	}
}

// An incompatible consumer is rejected before the engine sees the request,
// and the producer keeps serving compatible consumers.
func TestConsumeIncompatibleCapabilities(t *testing.T) {
	media, reg, sfu, _ := newTestMedia(t)
	ctx := context.Background()

	alice := newTestConn("c-alice", "alice")
	bob := newTestConn("c-bob", "bob")
	reg.Join(ctx, alice, "r1")
	reg.Join(ctx, bob, "r1")

	prodTransport, _ := media.CreateTransport(ctx, alice, "r1", ports.TransportOptions{Producing: true})
	producerID, err := media.Produce(ctx, alice, "r1", prodTransport.ID, domain.MediaKindVideo, validRTPParams, nil, "")
	if err != nil {
		t.Fatalf("produce: %v", err)
	}

	consTransport, _ := media.CreateTransport(ctx, bob, "r1", ports.TransportOptions{Consuming: true})

	audioOnly := json.RawMessage(`{"codecs":[{"mimeType":"audio/opus","clockRate":48000}]}`)
	if _, err := media.Consume(ctx, bob, "r1", consTransport.ID, producerID, audioOnly); !errors.Is(err, domain.ErrIncompatibleCapabilities) {
		t.Fatalf("err = %v, want ErrIncompatibleCapabilities", err)
	}
	if sfu.consumeCalls != 0 {
		t.Errorf("engine consulted for an incompatible consume")
	}
	if _, err := reg.Producer("r1", producerID); err != nil {
		t.Errorf("producer did not survive the rejected consume: %v", err)
	}

	vp8 := json.RawMessage(`{"codecs":[{"mimeType":"video/VP8","clockRate":90000}]}`)
	consumer, err := media.Consume(ctx, bob, "r1", consTransport.ID, producerID, vp8)
	if err != nil {
		t.Fatalf("compatible consume: %v", err)
	}
	if consumer.ProducerID != producerID {
		t.Errorf("consumer = %+v", consumer)
	}
}

func TestConsumeUnknownProducer(t *testing.T) {
	media, reg, _, _ := newTestMedia(t)
	ctx := context.Background()

	bob := newTestConn("c-bob", "bob")
	reg.Join(ctx, bob, "r1")
	info, _ := media.CreateTransport(ctx, bob, "r1", ports.TransportOptions{Consuming: true})

	if _, err := media.Consume(ctx, bob, "r1", info.ID, "ghost", validRTPParams); !errors.Is(err, domain.ErrProducerNotFound) {
		t.Errorf("err = %v, want ErrProducerNotFound", err)
	}
}

func TestCloseProducerOwnerOnly(t *testing.T) {
	media, reg, sfu, sink := newTestMedia(t)
	ctx := context.Background()

	alice := newTestConn("c-alice", "alice")
	bob := newTestConn("c-bob", "bob")
	reg.Join(ctx, alice, "r1")
	reg.Join(ctx, bob, "r1")

	info, _ := media.CreateTransport(ctx, alice, "r1", ports.TransportOptions{Producing: true})
	producerID, _ := media.Produce(ctx, alice, "r1", info.ID, domain.MediaKindVideo, validRTPParams, nil, domain.SourceScreen)

	if err := media.CloseProducer(ctx, bob, "r1", producerID); !errors.Is(err, domain.ErrProducerNotFound) {
		t.Fatalf("non-owner close err = %v, want ErrProducerNotFound", err)
	}

	if err := media.CloseProducer(ctx, alice, "r1", producerID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := sink.sendsTo(bob.ID, EventProducerClosed); len(got) != 1 {
		t.Errorf("producerClosed to bob = %d, want 1", len(got))
	}
	if got := sfu.closedProducers; len(got) != 1 || got[0] != producerID {
		t.Errorf("engine teardown ids = %v", got)
	}
	if _, err := reg.Producer("r1", producerID); !errors.Is(err, domain.ErrProducerNotFound) {
		t.Errorf("record survived close")
	}
}

func TestCleanupConnectionClosesTransports(t *testing.T) {
	media, reg, sfu, _ := newTestMedia(t)
	ctx := context.Background()

	alice := newTestConn("c-alice", "alice")
	reg.Join(ctx, alice, "r1")
	info, _ := media.CreateTransport(ctx, alice, "r1", ports.TransportOptions{Producing: true})

	media.CleanupConnection(ctx, alice)

	if got := sfu.closedTransports; len(got) != 1 || got[0] != info.ID {
		t.Errorf("closed transports = %v, want [%s]", got, info.ID)
	}
	if got := media.Phase(alice.ID, "r1"); got != PhaseUninitialized {
		t.Errorf("phase after cleanup = %v, want uninitialized", got)
	}
}
