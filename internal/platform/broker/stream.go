package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
)

const (
	// streamWriteWait is the time allowed to write a message to the peer.
	streamWriteWait = 10 * time.Second

	// streamPongWait is the time allowed to read the next pong message.
	streamPongWait = 30 * time.Second

	// streamPingPeriod sends pings at this interval. Must be less than pongWait.
	streamPingPeriod = (streamPongWait * 9) / 10

	// streamReconnectDelay is the base delay before attempting to reconnect.
	streamReconnectDelay = 500 * time.Millisecond

	// streamMaxAttempts bounds consecutive failed reconnects before the
	// subscription channel is closed.
	streamMaxAttempts = 8

	// streamBuffer is the capacity of the update channel.
	streamBuffer = 1024
)

// TokenSource yields the bearer token for the stream handshake.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Stream is a WebSocket client for live top-of-book quotes. It satisfies
// domain.QuoteStream.
type Stream struct {
	wsURL    string
	tokens   TokenSource
	maxDelay time.Duration
	logger   *slog.Logger

	cmdID atomic.Int64
}

// NewStream creates a quote stream for wsURL. tokens may be nil when the
// stream is public. maxDelay caps the reconnect backoff; zero means 30s.
func NewStream(wsURL string, tokens TokenSource, maxDelay time.Duration, logger *slog.Logger) *Stream {
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		wsURL:    wsURL,
		tokens:   tokens,
		maxDelay: maxDelay,
		logger:   logger.With(slog.String("component", "broker-stream")),
	}
}

// Subscribe dials the venue, subscribes to symbols and returns the update
// channel. The stream reconnects with exponential backoff on disconnect; the
// channel is closed when ctx ends or reconnection is abandoned.
func (s *Stream) Subscribe(ctx context.Context, symbols []string) (<-chan domain.QuoteUpdate, error) {
	conn, err := s.connect(ctx, symbols)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.QuoteUpdate, streamBuffer)
	go s.run(ctx, conn, symbols, out)
	return out, nil
}

// connect dials and sends the subscribe command.
func (s *Stream) connect(ctx context.Context, symbols []string) (*websocket.Conn, error) {
	header := http.Header{}
	if s.tokens != nil {
		tok, err := s.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("broker/ws: token: %w", err)
		}
		header.Set("Authorization", "Bearer "+tok)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("broker/ws: connect: %w: %v", domain.ErrConnectionFailure, err)
	}

	data, err := sonnet.Marshal(wsCommand{
		ID:      s.cmdID.Add(1),
		Op:      "subscribe",
		Symbols: symbols,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("broker/ws: marshal subscribe: %w", err)
	}

	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return nil, fmt.Errorf("broker/ws: subscribe: %w: %v", domain.ErrWSDisconnect, err)
	}

	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return nil
	})

	s.logger.Info("quote stream subscribed", slog.Int("symbols", len(symbols)))
	return conn, nil
}

// run owns the connection for the life of the subscription.
func (s *Stream) run(ctx context.Context, conn *websocket.Conn, symbols []string, out chan<- domain.QuoteUpdate) {
	defer close(out)

	for {
		err := s.pump(ctx, conn, out)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("quote stream disconnected", slog.String("error", err.Error()))

		conn = s.reconnect(ctx, symbols)
		if conn == nil {
			return
		}
	}
}

// pump reads frames until the connection fails or ctx ends.
func (s *Stream) pump(ctx context.Context, conn *websocket.Conn, out chan<- domain.QuoteUpdate) error {
	var wg sync.WaitGroup
	done := make(chan struct{})
	defer func() {
		close(done)
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pingLoop(conn, done)
	}()

	// Unblock ReadMessage on shutdown.
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrWSDisconnect, err)
		}

		var frame wsFrame
		if err := sonnet.Unmarshal(message, &frame); err != nil {
			s.logger.Debug("dropping undecodable frame", slog.String("error", err.Error()))
			continue
		}

		switch frame.Type {
		case "quote":
			select {
			case out <- frame.toUpdate(time.Now()):
			case <-ctx.Done():
				return ctx.Err()
			}
		case "error":
			s.logger.Warn("quote stream error frame", slog.String("message", frame.Message))
		}
	}
}

// pingLoop sends periodic pings to keep the connection alive.
func (s *Stream) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}

// reconnect attempts to re-establish the connection with exponential
// backoff. It returns nil when ctx ends or attempts are exhausted.
func (s *Stream) reconnect(ctx context.Context, symbols []string) *websocket.Conn {
	delay := streamReconnectDelay

	for attempt := 1; attempt <= streamMaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		conn, err := s.connect(dialCtx, symbols)
		cancel()
		if err == nil {
			return conn
		}

		s.logger.Warn("quote stream reconnect failed",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		delay *= 2
		if delay > s.maxDelay {
			delay = s.maxDelay
		}
	}

	s.logger.Error("quote stream abandoned after repeated reconnect failures")
	return nil
}
