package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// startEchoServer answers every request with a bare success ack carrying the
// same ID, which is enough to exercise the response routing.
func startEchoServer(t *testing.T) string {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			resp, _ := json.Marshal(map[string]string{"id": req.ID, "status": "success"})
			if err := ws.WriteMessage(websocket.TextMessage, resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnCloseDuringInFlightCalls(t *testing.T) {
	url := startEchoServer(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		conn, err := Dial(ctx, url, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}

		var wg sync.WaitGroup
		for j := 0; j < 8; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					if _, err := conn.Call(ctx, "get_all", nil); err != nil {
						return
					}
				}
			}()
		}
		conn.Close()
		wg.Wait()
	}
}

func TestConnCloseUnblocksWaiters(t *testing.T) {
	url := startEchoServer(t)
	ctx := context.Background()

	conn, err := Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()

	if _, err := conn.Call(ctx, "get_all", nil); err == nil {
		t.Fatal("Call on a closed connection succeeded")
	}

	select {
	case _, ok := <-conn.Alerts():
		if ok {
			t.Fatal("alert delivered after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("alert stream not closed after Close")
	}
}
