// Package signalling implements the WebSocket exchange spec.md §4.9 uses
// to carry a Bundle (SDP + ICE candidates) between caster and receiver
// once mDNS has resolved an address, as an alternative to the manual
// copy-paste flow in pkg/bundle.
//
// Server/request-routing shape grounded on the teacher's pkg/api/server.go
// (http.ServeMux, http.Server with explicit timeouts, Start/Stop,
// access-log middleware wrapping); the websocket upgrade/read/write loop
// grounded on n0remac-robot-webrtc's websocket/websocket.go.
package signalling

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ethan/screencaster/pkg/webrtcpeer"
)

// ExchangePath is the single endpoint a receiver/caster upgrades on.
const ExchangePath = "/exchange"

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: handshakeTimeout,
	ReadBufferSize:   8192,
	WriteBufferSize:  8192,
	CheckOrigin:      func(r *http.Request) bool { return true },
}

// Peer wraps one established exchange connection, carrying Bundle
// messages in either direction.
type Peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// SendBundle writes b as the single JSON message for this exchange.
func (p *Peer) SendBundle(b webrtcpeer.Bundle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteJSON(b)
}

// RecvBundle blocks for the peer's single JSON Bundle message.
func (p *Peer) RecvBundle(ctx context.Context) (webrtcpeer.Bundle, error) {
	type result struct {
		b   webrtcpeer.Bundle
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var b webrtcpeer.Bundle
		err := p.conn.ReadJSON(&b)
		ch <- result{b: b, err: err}
	}()

	select {
	case r := <-ch:
		return r.b, r.err
	case <-ctx.Done():
		return webrtcpeer.Bundle{}, ctx.Err()
	}
}

// Close closes the underlying connection.
func (p *Peer) Close() error {
	return p.conn.Close()
}

// Server accepts a single inbound exchange connection per Accept call.
// The spec's signalling handshake is one-shot per session, so Server
// does not multiplex multiple concurrent peers on one listener.
type Server struct {
	httpServer *http.Server
	logger     zerolog.Logger
	peers      chan *Peer
}

// NewServer builds a Server listening on addr (host:port); Start must be
// called to begin serving.
func NewServer(addr string, logger zerolog.Logger) *Server {
	s := &Server{logger: logger, peers: make(chan *Peer, 1)}

	mux := http.NewServeMux()
	mux.HandleFunc(ExchangePath, s.handleExchange)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.withAccessLog(mux),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in the background, returning once the listener is
// bound or an immediate error is observed.
func (s *Server) Start() error {
	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Accept blocks for the next exchange connection, or until ctx is done.
func (s *Server) Accept(ctx context.Context) (*Peer, error) {
	select {
	case p := <-s.peers:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleExchange(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("exchange upgrade failed")
		return
	}
	select {
	case s.peers <- &Peer{conn: conn}:
	default:
		s.logger.Warn().Msg("exchange peer slot full, rejecting connection")
		conn.Close()
	}
}

// Dial connects to a signalling server previously resolved via
// pkg/discovery (or a manually-entered address).
func Dial(ctx context.Context, addr string) (*Peer, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: ExchangePath}
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("signalling: dial %s: %w", u.String(), err)
	}
	return &Peer{conn: conn}, nil
}

// withAccessLog logs each request through zerolog, in place of the
// teacher's slog-based withLogging middleware, to exercise zerolog as a
// distinct access-log stream from the rest of the pipeline's structured
// logging.
func (s *Server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote_addr", r.RemoteAddr).
			Msg("signalling request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}
