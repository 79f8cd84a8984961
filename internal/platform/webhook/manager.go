package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/trialguard/trialguard/internal/platform/events"
)

const (
	SignatureHeader = "X-Trialguard-Signature"
	EventTypeHeader = "X-Trialguard-Event"
	TimestampHeader = "X-Trialguard-Timestamp"

	queueSize = 128
)

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

type Option func(*Manager)

func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithRetry sets the attempt limit and the first backoff interval.
func WithRetry(maxAttempts int, initial time.Duration) Option {
	return func(m *Manager) {
		m.maxAttempts = maxAttempts
		m.initialBackoff = initial
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager registers endpoints and delivers events to them. It implements
// events.Publisher: Publish only enqueues, Run performs delivery.
type Manager struct {
	store          Store
	httpClient     *http.Client
	maxAttempts    int
	initialBackoff time.Duration
	logger         zerolog.Logger
	queue          chan events.Event
}

var _ events.Publisher = (*Manager)(nil)

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:          store,
		httpClient:     &http.Client{Timeout: 10 * time.Second},
		maxAttempts:    3,
		initialBackoff: time.Second,
		logger:         zerolog.Nop(),
		queue:          make(chan events.Event, queueSize),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With().Str("component", "webhook").Logger()
	return m
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

// Register validates and stores an endpoint. An empty secret is replaced
// with a random one.
func (m *Manager) Register(ctx context.Context, rawURL, secret, owner string, patterns []string) (*Endpoint, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if len(patterns) == 0 {
		return nil, fmt.Errorf("at least one event pattern is required")
	}
	if secret == "" {
		s, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		secret = s
	}
	ep := &Endpoint{
		ID:        uuid.New().String(),
		URL:       rawURL,
		Secret:    secret,
		Events:    patterns,
		Owner:     owner,
		Status:    StatusActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

func (m *Manager) SetStatus(ctx context.Context, id, status string) (*Endpoint, error) {
	if status != StatusActive && status != StatusPaused {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	ep, err := m.store.GetEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	ep.Status = status
	if err := m.store.UpdateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

func (m *Manager) Publish(ctx context.Context, e events.Event) error {
	select {
	case m.queue <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		m.logger.Warn().Str("event_type", e.Type).Msg("webhook queue full, event dropped")
		return nil
	}
}

// Run delivers queued events until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-m.queue:
			m.Deliver(ctx, e)
		}
	}
}

// Deliver sends e to every active endpoint subscribed to its type and
// returns the recorded deliveries.
func (m *Manager) Deliver(ctx context.Context, e events.Event) []*Delivery {
	endpoints, _, err := m.store.ListEndpoints(ctx, 1000, 0)
	if err != nil {
		m.logger.Error().Err(err).Msg("list webhook endpoints")
		return nil
	}
	var out []*Delivery
	for _, ep := range endpoints {
		if ep.Status != StatusActive || !subscribed(ep, e.Type) {
			continue
		}
		out = append(out, m.deliverTo(ctx, ep, e))
	}
	return out
}

func subscribed(ep *Endpoint, eventType string) bool {
	for _, p := range ep.Events {
		if events.Matches(p, eventType) {
			return true
		}
	}
	return false
}

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("non-2xx response: %d", e.code) }

func (m *Manager) deliverTo(ctx context.Context, ep *Endpoint, e events.Event) *Delivery {
	payload, _ := json.Marshal(e)
	sig := SignPayload(payload, ep.Secret)
	d := &Delivery{
		ID:         uuid.New().String(),
		EndpointID: ep.ID,
		EventID:    e.ID,
		EventType:  e.Type,
		CreatedAt:  time.Now().UTC(),
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.initialBackoff
	start := time.Now()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		d.Attempts++
		code, body, err := m.post(ctx, ep, payload, sig, e.Type)
		d.StatusCode, d.ResponseBody = code, body
		if err != nil {
			return struct{}{}, err
		}
		if code >= 200 && code < 300 {
			return struct{}{}, nil
		}
		serr := &statusError{code: code}
		// Client errors other than 408 and 429 will not improve on retry.
		if code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
			return struct{}{}, backoff.Permanent(serr)
		}
		return struct{}{}, serr
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(max(m.maxAttempts, 1))))
	d.Duration = time.Since(start)

	if err != nil {
		d.Status = DeliveryFailed
		d.Error = err.Error()
		var serr *statusError
		if errors.As(err, &serr) {
			d.Error = serr.Error()
		}
		m.logger.Warn().Str("endpoint_id", ep.ID).Str("event_type", e.Type).
			Int("attempts", d.Attempts).Err(err).Msg("webhook delivery failed")
	} else {
		d.Status = DeliverySuccess
	}
	if err := m.store.RecordDelivery(ctx, d); err != nil {
		m.logger.Error().Err(err).Msg("record webhook delivery")
	}
	return d
}

func (m *Manager) post(ctx context.Context, ep *Endpoint, payload []byte, sig, eventType string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, "", backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+sig)
	req.Header.Set(EventTypeHeader, eventType)
	req.Header.Set(TimestampHeader, time.Now().UTC().Format(time.RFC3339))

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return resp.StatusCode, string(body), nil
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
