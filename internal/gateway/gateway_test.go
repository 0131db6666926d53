package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"seedgate/internal/client"
	"seedgate/internal/domain"
	"seedgate/internal/engine"
	"seedgate/internal/engine/enginetest"
	"seedgate/internal/manager"
)

const (
	testHash   = "3f92992e2fbeb6ebb251304236bf5e0b600a91c3"
	testMagnet = "magnet:?xt=urn:btih:" + testHash
)

type stack struct {
	eng *enginetest.Engine
	mgr *manager.Manager
	url string
}

func startStack(t *testing.T) *stack {
	t.Helper()
	eng := enginetest.New()
	mgr := manager.New(manager.Config{
		SavePath:       t.TempDir(),
		StatusInterval: 10 * time.Millisecond,
		FlushInterval:  10 * time.Millisecond,
		CommandTimeout: 2 * time.Second,
	}, eng)
	ctx, cancel := context.WithCancel(context.Background())
	mgr.Run(ctx)

	gw := New(Config{}, mgr)
	go gw.Run(ctx)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	gw.RegisterRoutes(router)
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		cancel()
		mgr.Shutdown()
		srv.Close()
	})
	return &stack{
		eng: eng,
		mgr: mgr,
		url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

func dial(t *testing.T, s *stack) *client.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := client.Dial(ctx, s.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never met")
		}
		time.Sleep(time.Millisecond)
	}
}

func awaitAlert(t *testing.T, conn *client.Conn, kind domain.AlertKind) domain.Alert {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case alert, ok := <-conn.Alerts():
			if !ok {
				t.Fatalf("alert stream closed while waiting for %s", kind)
			}
			if alert.Kind == kind {
				return alert
			}
		case <-deadline:
			t.Fatalf("no %s alert", kind)
		}
	}
}

func TestGatewayQueryRoundTrip(t *testing.T) {
	s := startStack(t)
	conn := dial(t, s)
	ctx := context.Background()

	torrents, err := conn.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(torrents) != 0 {
		t.Fatalf("fresh daemon has %d torrents", len(torrents))
	}

	if _, err := s.mgr.Start(ctx, engine.Source{MagnetURI: testMagnet}); err != nil {
		t.Fatal(err)
	}
	waitCondition(t, func() bool { return len(s.eng.Handles()) == 1 })
	h, _ := s.eng.LastHandle()
	h.ResolveMetadata("debian.iso", 1000, 4, []engine.FileStat{{Name: "debian.iso", Path: "debian.iso", Length: 1000}})

	waitCondition(t, func() bool {
		rec, err := conn.Get(ctx, testHash)
		return err == nil && rec.Name == "debian.iso"
	})

	files, err := conn.FilesOf(ctx, testHash)
	if err != nil || len(files) != 1 || files[0].Name != "debian.iso" {
		t.Fatalf("FilesOf = (%+v, %v)", files, err)
	}
}

func TestGatewayErrorsDoNotCloseConnection(t *testing.T) {
	s := startStack(t)
	conn := dial(t, s)
	ctx := context.Background()

	if _, err := conn.Get(ctx, "ffffffffffffffffffffffffffffffffffffffff"); err == nil {
		t.Fatal("get for unknown torrent succeeded")
	}
	resp, err := conn.Call(ctx, "no_such_op", nil)
	if err != nil {
		t.Fatalf("Call after error: %v", err)
	}
	if resp.Status != "error" {
		t.Fatalf("status = %q, want error", resp.Status)
	}

	// The same connection still serves queries.
	if _, err := conn.GetAll(ctx); err != nil {
		t.Fatalf("GetAll after errors: %v", err)
	}
}

func TestGatewayPauseConvergesOnAllSubscribers(t *testing.T) {
	s := startStack(t)
	actor := dial(t, s)
	watcherConn := dial(t, s)
	ctx := context.Background()

	if _, err := s.mgr.Start(ctx, engine.Source{MagnetURI: testMagnet}); err != nil {
		t.Fatal(err)
	}
	waitCondition(t, func() bool { return len(s.eng.Handles()) == 1 })
	h, _ := s.eng.LastHandle()
	h.ResolveMetadata("debian.iso", 1000, 4, nil)

	watcher := client.NewReconciler(watcherConn, nil)
	if err := watcher.Seed(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := watcherConn.Subscribe(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// The actor pauses through its own connection; the watcher must converge
	// from the broadcast alone.
	resp, err := actor.Call(ctx, "pause", map[string]string{"info_hash": testHash})
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if resp.Status != "success" || resp.InfoHash != testHash {
		t.Fatalf("pause response: %+v", resp)
	}

	alert := awaitAlert(t, watcherConn, domain.AlertPaused)
	watcher.Apply(ctx, alert)

	rec, ok := watcher.Lookup(testHash)
	if !ok || rec.State != domain.StatePaused || !rec.Paused {
		t.Fatalf("watcher mirror after pause: (%+v, %v)", rec, ok)
	}
}

func TestGatewayUnsubscribedClientGetsNoAlerts(t *testing.T) {
	s := startStack(t)
	quiet := dial(t, s)
	subscribed := dial(t, s)
	ctx := context.Background()

	if err := subscribed.Subscribe(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := s.mgr.Start(ctx, engine.Source{MagnetURI: testMagnet}); err != nil {
		t.Fatal(err)
	}
	awaitAlert(t, subscribed, domain.AlertAddTorrent)

	select {
	case alert := <-quiet.Alerts():
		t.Fatalf("unsubscribed client received %s", alert.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGatewayAddTracker(t *testing.T) {
	s := startStack(t)
	conn := dial(t, s)
	ctx := context.Background()

	if _, err := s.mgr.Start(ctx, engine.Source{MagnetURI: testMagnet}); err != nil {
		t.Fatal(err)
	}
	waitCondition(t, func() bool { return len(s.eng.Handles()) == 1 })
	h, _ := s.eng.LastHandle()
	h.ResolveMetadata("debian.iso", 1000, 4, nil)

	resp, err := conn.Call(ctx, "add_tracker", map[string]string{
		"info_hash": testHash, "url": "udp://backup.example:6969",
	})
	if err != nil {
		t.Fatalf("add_tracker: %v", err)
	}
	if resp.Status != "success" || resp.InfoHash != testHash {
		t.Fatalf("add_tracker response: %+v", resp)
	}

	waitCondition(t, func() bool {
		rec, err := conn.Get(ctx, testHash)
		if err != nil {
			return false
		}
		for _, tr := range rec.Trackers {
			if tr.URL == "udp://backup.example:6969" {
				return true
			}
		}
		return false
	})

	resp, err = conn.Call(ctx, "add_tracker", map[string]string{"info_hash": testHash})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != "error" {
		t.Fatalf("add_tracker without url: status = %q, want error", resp.Status)
	}
}

func TestGatewayBroadcastStopWithoutStart(t *testing.T) {
	s := startStack(t)
	conn := dial(t, s)

	resp, err := conn.Call(context.Background(), "broadcast", map[string]string{"event": "stop"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != "error" {
		t.Fatalf("stop without start: status = %q, want error", resp.Status)
	}
}

func TestGatewayRemoveBroadcast(t *testing.T) {
	s := startStack(t)
	conn := dial(t, s)
	ctx := context.Background()

	if err := conn.Subscribe(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.mgr.Start(ctx, engine.Source{MagnetURI: testMagnet}); err != nil {
		t.Fatal(err)
	}
	waitCondition(t, func() bool { return len(s.eng.Handles()) == 1 })

	resp, err := conn.Call(ctx, "remove", map[string]interface{}{"info_hash": testHash, "remove_data": true})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if resp.Status != "success" {
		t.Fatalf("remove response: %+v", resp)
	}

	alert := awaitAlert(t, conn, domain.AlertRemoved)
	if alert.InfoHash != testHash {
		t.Fatalf("removed alert hash = %q", alert.InfoHash)
	}
	if _, err := conn.Get(ctx, testHash); err == nil {
		t.Fatal("removed torrent still queryable")
	}
}
