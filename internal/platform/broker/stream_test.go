package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

// quoteServer upgrades every connection, checks the subscribe command and
// hands the connection to serve.
func quoteServer(t *testing.T, serve func(n int32, conn *websocket.Conn)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		if cmd.Op != "subscribe" || len(cmd.Symbols) != 2 {
			t.Errorf("unexpected command %+v", cmd)
			return
		}
		serve(conns.Add(1), conn)
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func sendQuote(conn *websocket.Conn, symbol string, bid, ask float64) error {
	data, _ := json.Marshal(wsFrame{Type: "quote", Symbol: symbol, Bid: bid, Ask: ask, TS: 1_700_000_000_000})
	return conn.WriteMessage(websocket.TextMessage, data)
}

func TestStreamDeliversQuotes(t *testing.T) {
	srv, _ := quoteServer(t, func(_ int32, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = sendQuote(conn, "EURUSD", 1.0704, 1.0705)
		_ = sendQuote(conn, "USDRUB", 79.52, 79.53)
		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewStream(wsURL(srv), staticToken("tok"), time.Second, nil)
	ch, err := s.Subscribe(ctx, []string{"EURUSD", "USDRUB"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	var got []string
	for len(got) < 2 {
		select {
		case u := <-ch:
			got = append(got, u.Symbol)
			if !u.Time.Equal(time.UnixMilli(1_700_000_000_000)) {
				t.Fatalf("timestamp = %v", u.Time)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	if got[0] != "EURUSD" || got[1] != "USDRUB" {
		t.Fatalf("order = %v", got)
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			// drain one possible in-flight element
			<-ch
		}
	case <-time.After(3 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestStreamReconnects(t *testing.T) {
	srv, conns := quoteServer(t, func(n int32, conn *websocket.Conn) {
		if n == 1 {
			_ = sendQuote(conn, "EURUSD", 1.0, 1.1)
			return // drop the connection
		}
		_ = sendQuote(conn, "USDRUB", 79.0, 79.1)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewStream(wsURL(srv), staticToken("tok"), time.Second, nil)
	ch, err := s.Subscribe(ctx, []string{"EURUSD", "USDRUB"})
	if err != nil {
		t.Fatal(err)
	}

	seen := map[string]bool{}
	deadline := time.After(5 * time.Second)
	for !seen["USDRUB"] {
		select {
		case u, ok := <-ch:
			if !ok {
				t.Fatal("channel closed before reconnect")
			}
			seen[u.Symbol] = true
		case <-deadline:
			t.Fatalf("no quote after reconnect, seen %v", seen)
		}
	}
	if conns.Load() < 2 {
		t.Fatalf("connections = %d", conns.Load())
	}
}

func TestStreamInitialDialFailure(t *testing.T) {
	srv, _ := quoteServer(t, func(int32, *websocket.Conn) {})
	s := NewStream(wsURL(srv), staticToken("wrong"), time.Second, nil)
	if _, err := s.Subscribe(context.Background(), []string{"A", "B"}); err == nil {
		t.Fatal("expected handshake failure")
	}
}
