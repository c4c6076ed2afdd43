package transport_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/nirmalarya/autograph/pkg/transport"
)

// dialTestConnection builds a live Connection against an in-process server
// that drains everything it receives. onClose may be nil; handlers are wired
// before the pumps start.
func dialTestConnection(t *testing.T, onClose transport.CloseHandler) (*transport.Connection, func()) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		for {
			if _, _, err := ws.Read(r.Context()); err != nil {
				return
			}
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	wsConn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		cancel()
		srv.Close()
		t.Fatalf("dial failed: %v", err)
	}

	var wg sync.WaitGroup
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	conn := transport.NewConnection(ctx, &wg, wsConn, transport.Config{ReadTimeout: time.Minute}, logger)
	conn.SetOnMessageHandler(func(context.Context, uuid.UUID, []byte) {})
	if onClose != nil {
		conn.SetOnCloseHandler(onClose)
	}
	conn.Run()

	return conn, func() {
		conn.Close(nil)
		<-conn.Done()
		cancel()
		wg.Wait()
		srv.Close()
	}
}

func TestSendAfterCloseIsDropped(t *testing.T) {
	conn, cleanup := dialTestConnection(t, nil)
	defer cleanup()

	conn.Close(nil)
	<-conn.Done()

	// Broadcast paths keep a closed connection's pointer around briefly;
	// every one of these must be a silent drop, never a panic.
	for i := 0; i < 10000; i++ {
		conn.Send([]byte(`{"event":"heartbeat","payload":{}}`))
	}
}

func TestSendRacingCloseDoesNotPanic(t *testing.T) {
	for i := 0; i < 50; i++ {
		conn, cleanup := dialTestConnection(t, nil)

		var senders sync.WaitGroup
		for s := 0; s < 4; s++ {
			senders.Add(1)
			go func() {
				defer senders.Done()
				for n := 0; n < 200; n++ {
					conn.Send([]byte(`{"event":"cursor_move","payload":{}}`))
				}
			}()
		}
		conn.Close(nil)
		senders.Wait()
		cleanup()
	}
}

func TestCloseIsIdempotentAndFiresHandlerOnce(t *testing.T) {
	var calls int
	var mu sync.Mutex
	conn, cleanup := dialTestConnection(t, func(id uuid.UUID, err error) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	defer cleanup()

	conn.Close(nil)
	conn.Close(nil)
	<-conn.Done()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("close handler should fire exactly once, got %d", calls)
	}
}
