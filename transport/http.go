package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"linkbridge/protocol"
)

// HTTP endpoints served by the linkbridge server.
const (
	PathPing    = "/api/ping"
	PathMessage = "/api/message"
	PathPoll    = "/api/poll"

	// HeaderClientID carries the server-assigned client id on every request.
	HeaderClientID = "X-Client-Id"
)

const maxHTTPBody = protocol.MaxFrameSize

// HTTPStrategy turns every send into its own request/response round trip and
// polls for server pushed envelopes.
type HTTPStrategy struct {
	*base
	client *http.Client

	mu       sync.Mutex
	baseURL  string
	clientID string
	stopPoll context.CancelFunc
	pollDone chan struct{}
}

// NewHTTP builds a request/response strategy. A nil client uses a default one.
func NewHTTP(options Options, client *http.Client) *HTTPStrategy {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPStrategy{base: newBase(TypeHTTP, options), client: client}
}

// ClientID returns the id assigned by the server on connect.
func (s *HTTPStrategy) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

func (s *HTTPStrategy) Connect(ctx context.Context, address string, port int) error {
	_ = s.Disconnect()

	opts := s.options()
	baseURL := "http://" + endpoint(address, port)

	reqCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, baseURL+PathPing, nil)
	if err != nil {
		return fmt.Errorf("%w: build ping request: %v", ErrConnectionFailed, err)
	}
	if opts.ClientID != "" {
		req.Header.Set(HeaderClientID, opts.ClientID)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return classifyDialError(s.kind, address, port, err)
	}
	body, err := readBody(resp)
	if err != nil {
		return fmt.Errorf("%w: http ping: %v", ErrConnectionFailed, err)
	}

	clientID := opts.ClientID
	if len(bytes.TrimSpace(body)) > 0 {
		if env, err := protocol.Parse(body); err == nil {
			if id := env.String("clientId"); id != "" {
				clientID = id
			}
		}
	}

	pollCtx, stopPoll := context.WithCancel(context.Background())
	pollDone := make(chan struct{})

	s.mu.Lock()
	s.baseURL = baseURL
	s.clientID = clientID
	s.stopPoll = stopPoll
	s.pollDone = pollDone
	s.mu.Unlock()

	s.markConnected(baseURL)
	go s.pollLoop(pollCtx, pollDone)
	return nil
}

func (s *HTTPStrategy) Disconnect() error {
	s.mu.Lock()
	stop := s.stopPoll
	done := s.pollDone
	s.stopPoll = nil
	s.pollDone = nil
	s.baseURL = ""
	s.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	s.markDisconnected(nil)
	return nil
}

// Send posts the envelope. A non-empty response body is dispatched as an
// inbound envelope.
func (s *HTTPStrategy) Send(env *protocol.Envelope) error {
	s.mu.Lock()
	baseURL, clientID := s.baseURL, s.clientID
	s.mu.Unlock()
	if baseURL == "" {
		return ErrNotConnected
	}

	payload, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.options().RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+PathMessage, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build message request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if clientID != "" {
		req.Header.Set(HeaderClientID, clientID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.markDisconnected(err)
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: http send: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: http send: %v", ErrConnectionFailed, err)
	}
	body, err := readBody(resp)
	if err != nil {
		// A rejected post usually means the server dropped this client.
		s.markDisconnected(err)
		return fmt.Errorf("%w: http send: %v", ErrConnectionFailed, err)
	}
	if len(bytes.TrimSpace(body)) > 0 {
		s.dispatch(body)
	}
	return nil
}

func (s *HTTPStrategy) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.options().PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.pollOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Debug("poll failed", zap.Error(err))
			}
		}
	}
}

func (s *HTTPStrategy) pollOnce(ctx context.Context) error {
	s.mu.Lock()
	baseURL, clientID := s.baseURL, s.clientID
	s.mu.Unlock()
	if baseURL == "" || clientID == "" {
		return nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.options().RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, baseURL+PathPoll, nil)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderClientID, clientID)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	body, err := readBody(resp)
	if err != nil {
		if resp.StatusCode == http.StatusNotFound {
			s.markDisconnected(err)
		}
		return err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	var batch []json.RawMessage
	if err := json.Unmarshal(body, &batch); err != nil {
		return fmt.Errorf("decode poll batch: %w", err)
	}
	for _, raw := range batch {
		s.dispatch(raw)
	}
	return nil
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return body, nil
}
