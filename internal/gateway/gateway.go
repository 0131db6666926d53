// Package gateway serves the connection-oriented client protocol: point-in-
// time queries answered by reading through the process manager, and one
// fan-out channel pushing every broadcast alert to all subscribed clients.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"seedgate/internal/domain"
	"seedgate/internal/engine"
	"seedgate/internal/manager"
)

type Config struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingPeriod   time.Duration
	SendBuffer   int
	Logger       *logrus.Logger
}

type Gateway struct {
	cfg      Config
	mgr      *manager.Manager
	log      *logrus.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*session]struct{}
}

// session is one connected client. Frames are queued on send and written by a
// single pump goroutine; a full queue marks the session for cleanup.
type session struct {
	conn       *websocket.Conn
	send       chan []byte
	subscribed bool
	mu         sync.Mutex
}

func New(cfg Config, mgr *manager.Manager) *Gateway {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingPeriod == 0 {
		cfg.PingPeriod = 30 * time.Second
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Gateway{
		cfg: cfg,
		mgr: mgr,
		log: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*session]struct{}),
	}
}

// Run consumes the manager's alert stream and fans every alert out to all
// subscribed clients. It returns when the stream closes or ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert, ok := <-g.mgr.Alerts():
			if !ok {
				return
			}
			g.broadcast(alert)
		}
	}
}

func (g *Gateway) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())
	router.GET("/ws", g.serveWS)
	api := router.Group("/api")
	{
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
		})
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (g *Gateway) serveWS(c *gin.Context) {
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Warnf("websocket upgrade failed: %v", err)
		return
	}

	cl := &session{
		conn: conn,
		send: make(chan []byte, g.cfg.SendBuffer),
	}
	g.mu.Lock()
	g.clients[cl] = struct{}{}
	g.mu.Unlock()
	g.log.Info("client connected")

	go g.writePump(cl)
	g.readLoop(c.Request.Context(), cl)
}

func (g *Gateway) readLoop(ctx context.Context, cl *session) {
	defer func() {
		g.removeClient(cl)
		cl.conn.Close()
		g.log.Info("client disconnected")
	}()

	cl.conn.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.log.Warnf("websocket read: %v", err)
			}
			return
		}
		cl.conn.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))

		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			g.enqueue(cl, errorResponse("", "malformed request"))
			continue
		}
		g.enqueue(cl, g.handle(ctx, cl, req))
	}
}

func (g *Gateway) writePump(cl *session) {
	ticker := time.NewTicker(g.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case frame := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
			if err := cl.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handle dispatches one request. Manager errors never close the connection;
// they come back as error responses.
func (g *Gateway) handle(ctx context.Context, cl *session, req request) response {
	switch req.Op {
	case "get_all":
		records := g.mgr.List()
		torrents := make([]domain.TorrentRecord, 0, len(records))
		for _, rec := range records {
			torrents = append(torrents, rec)
		}
		return response{ID: req.ID, Status: "success", Torrents: torrents}

	case "get_specific":
		var p infoHashPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return errorResponse(req.ID, "info_hash is required")
		}
		rec, err := g.mgr.Get(p.InfoHash)
		if err != nil {
			return errorResponse(req.ID, err.Error())
		}
		return response{ID: req.ID, Status: "success", Torrent: &rec}

	case "get_specific_peers":
		var p infoHashPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return errorResponse(req.ID, "info_hash is required")
		}
		peers, err := g.mgr.PeersOf(p.InfoHash)
		if err != nil {
			return errorResponse(req.ID, err.Error())
		}
		return response{ID: req.ID, Status: "success", Peers: peers}

	case "get_specific_files":
		var p infoHashPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return errorResponse(req.ID, "info_hash is required")
		}
		files, err := g.mgr.FilesOf(p.InfoHash)
		if err != nil {
			return errorResponse(req.ID, err.Error())
		}
		return response{ID: req.ID, Status: "success", Files: files}

	case "add_magnet":
		return g.handleAddMagnet(ctx, req)

	case "add_file":
		var p addFilePayload
		if err := json.Unmarshal(req.Payload, &p); err != nil || len(p.File) == 0 {
			return errorResponse(req.ID, "file not provided")
		}
		infoHash, err := g.mgr.Start(ctx, engine.Source{TorrentBytes: p.File})
		if err != nil {
			return errorResponse(req.ID, err.Error())
		}
		return response{ID: req.ID, Status: "success", Message: "torrent added", InfoHash: infoHash}

	case "pause":
		var p infoHashPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return errorResponse(req.ID, "info_hash is required")
		}
		if err := g.mgr.Pause(ctx, p.InfoHash); err != nil {
			return errorResponse(req.ID, err.Error())
		}
		return response{ID: req.ID, Status: "success", Message: "torrent paused", InfoHash: p.InfoHash}

	case "resume":
		var p infoHashPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return errorResponse(req.ID, "info_hash is required")
		}
		if err := g.mgr.Resume(ctx, p.InfoHash); err != nil {
			return errorResponse(req.ID, err.Error())
		}
		return response{ID: req.ID, Status: "success", Message: "torrent resumed", InfoHash: p.InfoHash}

	case "remove":
		var p removePayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return errorResponse(req.ID, "info_hash is required")
		}
		if err := g.mgr.Remove(ctx, p.InfoHash, p.RemoveData); err != nil {
			return errorResponse(req.ID, err.Error())
		}
		return response{ID: req.ID, Status: "success", Message: "torrent removed", InfoHash: p.InfoHash}

	case "add_tracker":
		var p trackerPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil || p.URL == "" {
			return errorResponse(req.ID, "info_hash and url are required")
		}
		if err := g.mgr.AddTracker(ctx, p.InfoHash, p.URL); err != nil {
			return errorResponse(req.ID, err.Error())
		}
		return response{ID: req.ID, Status: "success", Message: "tracker added", InfoHash: p.InfoHash}

	case "broadcast":
		var p broadcastPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return errorResponse(req.ID, "event is required")
		}
		switch p.Event {
		case "start":
			cl.mu.Lock()
			cl.subscribed = true
			cl.mu.Unlock()
			return response{ID: req.ID, Status: "success", Message: "alert stream started"}
		case "stop":
			cl.mu.Lock()
			wasSubscribed := cl.subscribed
			cl.subscribed = false
			cl.mu.Unlock()
			if !wasSubscribed {
				return errorResponse(req.ID, "no active alert stream")
			}
			return response{ID: req.ID, Status: "success", Message: "alert stream stopped"}
		default:
			return errorResponse(req.ID, fmt.Sprintf("unknown broadcast event %q", p.Event))
		}

	default:
		return errorResponse(req.ID, fmt.Sprintf("unknown op %q", req.Op))
	}
}

func (g *Gateway) handleAddMagnet(ctx context.Context, req request) response {
	var p addMagnetPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return errorResponse(req.ID, "action is required")
	}

	switch p.Action {
	case "fetch_metadata":
		if p.MagnetURI == "" {
			return errorResponse(req.ID, "magnet URI is required")
		}
		meta, err := g.mgr.FetchMetadata(ctx, p.MagnetURI, p.SavePath)
		if err != nil {
			return errorResponse(req.ID, err.Error())
		}
		return response{ID: req.ID, Status: "success", Message: "metadata fetched and torrent parked", Metadata: &meta}

	case "add":
		if p.InfoHash == "" {
			return errorResponse(req.ID, "info_hash is required")
		}
		if err := g.mgr.CommitPending(ctx, p.InfoHash); err != nil {
			return errorResponse(req.ID, err.Error())
		}
		return response{ID: req.ID, Status: "success", Message: "torrent started", InfoHash: p.InfoHash}

	case "remove":
		if p.InfoHash == "" {
			return errorResponse(req.ID, "info_hash is required")
		}
		if err := g.mgr.CancelPending(ctx, p.InfoHash); err != nil {
			return errorResponse(req.ID, err.Error())
		}
		return response{ID: req.ID, Status: "success", Message: "pending torrent removed", InfoHash: p.InfoHash}

	default:
		return errorResponse(req.ID, fmt.Sprintf("unknown action %q", p.Action))
	}
}

// broadcast fans one alert out to every subscribed client, unconditionally.
// There is no per-client filtering or backpressure: a client that cannot keep
// up is dropped and re-synchronizes on reconnect.
func (g *Gateway) broadcast(alert domain.Alert) {
	frame, err := json.Marshal(push{Op: "broadcast", Alert: alert})
	if err != nil {
		g.log.Errorf("marshal alert: %v", err)
		return
	}

	g.mu.RLock()
	var stale []*session
	for cl := range g.clients {
		cl.mu.Lock()
		subscribed := cl.subscribed
		cl.mu.Unlock()
		if !subscribed {
			continue
		}
		select {
		case cl.send <- frame:
		default:
			stale = append(stale, cl)
		}
	}
	g.mu.RUnlock()

	for _, cl := range stale {
		g.log.Warn("client send buffer full, dropping client")
		g.removeClient(cl)
		cl.conn.Close()
	}
}

func (g *Gateway) enqueue(cl *session, resp response) {
	frame, err := json.Marshal(resp)
	if err != nil {
		g.log.Errorf("marshal response: %v", err)
		return
	}
	select {
	case cl.send <- frame:
	default:
		g.log.Warn("client send buffer full, response dropped")
	}
}

// removeClient drops the registry entry. The send channel is never closed;
// closing the underlying conn is what stops both pumps.
func (g *Gateway) removeClient(cl *session) {
	g.mu.Lock()
	delete(g.clients, cl)
	g.mu.Unlock()
}

// ClientCount reports the number of connected clients.
func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}
