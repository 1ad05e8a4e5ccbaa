package sfu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"parley/internal/core/domain"
	"parley/internal/core/ports"
	"parley/pkg/circuitbreaker"
	"parley/pkg/config"
	"parley/pkg/tracing"

	"go.uber.org/zap"
)

// RequestObserver receives the outcome of every engine call, for metrics.
type RequestObserver interface {
	ObserveSFURequest(operation string, duration time.Duration, err error)
}

type noopObserver struct{}

func (noopObserver) ObserveSFURequest(string, time.Duration, error) {}

// Client talks to the SFU engine's control API over HTTP. All negotiation
// payloads pass through as raw JSON; the client only interprets status codes
// and the ids it needs to mirror.
//
// Engine failures are mapped onto the domain taxonomy and are never retried
// here: signaling requests are client-driven and the client decides whether
// to try again.
type Client struct {
	baseURL  string
	http     *http.Client
	breaker  *circuitbreaker.CircuitBreaker
	observer RequestObserver
	logger   *zap.SugaredLogger
}

func NewClient(cfg *config.Config, logger *zap.SugaredLogger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.SFU.BaseURL, "/"),
		http: &http.Client{
			Timeout: cfg.SFU.RequestTimeout,
		},
		breaker: circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.SFU.BreakerThreshold,
			SuccessThreshold: 1,
			Cooldown:         cfg.SFU.BreakerCooldown,
		}),
		observer: noopObserver{},
		logger:   logger,
	}
}

// SetObserver installs the metrics hook. Must be called before first use.
func (c *Client) SetObserver(obs RequestObserver) {
	if obs != nil {
		c.observer = obs
	}
}

// engineError is the error body shape the engine returns alongside non-2xx
// statuses.
type engineError struct {
	Error string `json:"error"`
}

func (c *Client) RouterCapabilities(ctx context.Context, roomID domain.RoomID) (json.RawMessage, error) {
	var caps json.RawMessage
	path := fmt.Sprintf("/rooms/%s/router-rtp-capabilities", url.PathEscape(string(roomID)))
	err := c.do(ctx, "router_capabilities", string(roomID), http.MethodGet, path, nil, &caps)
	return caps, err
}

func (c *Client) CreateTransport(ctx context.Context, roomID domain.RoomID, opts ports.TransportOptions) (*ports.TransportInfo, error) {
	// The engine answers with the transport parameters object; the id is a
	// field inside it and the whole object is relayed to the client.
	var params json.RawMessage
	path := fmt.Sprintf("/rooms/%s/transports", url.PathEscape(string(roomID)))
	if err := c.do(ctx, "create_transport", string(roomID), http.MethodPost, path, opts, &params); err != nil {
		return nil, err
	}

	var idOnly struct {
		ID domain.TransportID `json:"id"`
	}
	if err := json.Unmarshal(params, &idOnly); err != nil || idOnly.ID == "" {
		return nil, fmt.Errorf("engine transport response missing id: %w", domain.ErrUpstreamUnavailable)
	}
	return &ports.TransportInfo{ID: idOnly.ID, Params: params}, nil
}

func (c *Client) ConnectTransport(ctx context.Context, roomID domain.RoomID, transportID domain.TransportID, dtlsParameters json.RawMessage) error {
	path := fmt.Sprintf("/rooms/%s/transports/%s/connect",
		url.PathEscape(string(roomID)), url.PathEscape(string(transportID)))
	body := map[string]json.RawMessage{"dtlsParameters": dtlsParameters}
	return c.do(ctx, "connect_transport", string(roomID), http.MethodPost, path, body, nil)
}

func (c *Client) Produce(ctx context.Context, roomID domain.RoomID, transportID domain.TransportID, kind domain.MediaKind, rtpParameters, appData json.RawMessage) (domain.ProducerID, error) {
	path := fmt.Sprintf("/rooms/%s/transports/%s/produce",
		url.PathEscape(string(roomID)), url.PathEscape(string(transportID)))
	body := map[string]interface{}{
		"kind":          kind,
		"rtpParameters": rtpParameters,
	}
	if len(appData) > 0 {
		body["appData"] = appData
	}

	var resp struct {
		ProducerID domain.ProducerID `json:"producerId"`
	}
	if err := c.do(ctx, "produce", string(roomID), http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	if resp.ProducerID == "" {
		return "", fmt.Errorf("engine produce response missing producerId: %w", domain.ErrUpstreamUnavailable)
	}
	return resp.ProducerID, nil
}

func (c *Client) Consume(ctx context.Context, roomID domain.RoomID, transportID domain.TransportID, producerID domain.ProducerID, rtpCapabilities json.RawMessage) (*ports.ConsumerInfo, error) {
	path := fmt.Sprintf("/rooms/%s/transports/%s/consume",
		url.PathEscape(string(roomID)), url.PathEscape(string(transportID)))
	body := map[string]interface{}{
		"producerId":      producerID,
		"rtpCapabilities": rtpCapabilities,
	}

	var info ports.ConsumerInfo
	if err := c.do(ctx, "consume", string(roomID), http.MethodPost, path, body, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) CloseProducer(ctx context.Context, roomID domain.RoomID, producerID domain.ProducerID) error {
	path := fmt.Sprintf("/rooms/%s/producers/%s",
		url.PathEscape(string(roomID)), url.PathEscape(string(producerID)))
	return c.do(ctx, "close_producer", string(roomID), http.MethodDelete, path, nil, nil)
}

func (c *Client) CloseTransport(ctx context.Context, roomID domain.RoomID, transportID domain.TransportID) error {
	path := fmt.Sprintf("/rooms/%s/transports/%s",
		url.PathEscape(string(roomID)), url.PathEscape(string(transportID)))
	return c.do(ctx, "close_transport", string(roomID), http.MethodDelete, path, nil, nil)
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "health", "", http.MethodGet, "/health", nil, nil)
}

// do runs one engine call through the circuit breaker, decodes a successful
// body into out (when non-nil) and maps failures to the domain taxonomy.
func (c *Client) do(ctx context.Context, operation, roomID, method, path string, body, out interface{}) error {
	ctx, span := tracing.TraceSFURequest(ctx, operation, roomID)
	defer span.End()

	if !c.breaker.Allow() {
		c.observer.ObserveSFURequest(operation, 0, circuitbreaker.ErrOpen)
		c.logger.Warnw("engine call short-circuited", "operation", operation)
		return domain.ErrUpstreamUnavailable
	}

	start := time.Now()
	err := c.roundTrip(ctx, method, path, body, out)
	duration := time.Since(start)
	c.observer.ObserveSFURequest(operation, duration, err)

	// Only engine unavailability feeds the breaker; a 4xx answer proves the
	// engine is alive.
	if errors.Is(err, domain.ErrUpstreamUnavailable) {
		c.breaker.Failure()
	} else {
		c.breaker.Success()
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		c.logger.Warnw("engine call failed",
			"operation", operation,
			"room_id", roomID,
			"duration", duration,
			"error", err,
		)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: malformed engine response: %v", domain.ErrUpstreamUnavailable, err)
		}
		return nil
	}

	var engineErr engineError
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	json.Unmarshal(raw, &engineErr)

	return mapStatus(resp.StatusCode, path, engineErr.Error)
}

// mapStatus translates engine status codes into the domain taxonomy. The
// path tells a producer 404 apart from a transport or room 404.
func mapStatus(status int, path, detail string) error {
	switch {
	case status == http.StatusNotFound:
		switch {
		case strings.Contains(path, "/producers/"):
			return domain.ErrProducerNotFound
		case strings.Contains(path, "/transports/"):
			return domain.ErrTransportNotFound
		default:
			return domain.ErrRoomNotFound
		}
	case status == http.StatusUnprocessableEntity:
		return domain.ErrIncompatibleCapabilities
	case status >= 500:
		return fmt.Errorf("%w: engine status %d: %s", domain.ErrUpstreamUnavailable, status, detail)
	default:
		return fmt.Errorf("engine rejected request (%d): %s", status, detail)
	}
}

var _ ports.SFUControl = (*Client)(nil)
