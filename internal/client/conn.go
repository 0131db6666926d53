// Package client is the daemon-side counterpart of the gateway protocol: a
// request/response connection with correlated IDs, a local torrent mirror kept
// in sync from the alert stream, and a command dispatcher with per-kind queues.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"seedgate/internal/domain"
)

// Response is the gateway's answer to one request, correlated by ID.
type Response struct {
	ID       string                 `json:"id"`
	Status   string                 `json:"status"`
	Message  string                 `json:"message,omitempty"`
	InfoHash string                 `json:"info_hash,omitempty"`
	Torrents []domain.TorrentRecord `json:"torrents,omitempty"`
	Torrent  *domain.TorrentRecord  `json:"torrent,omitempty"`
	Peers    []domain.Peer          `json:"peers,omitempty"`
	Files    []domain.FileInfo      `json:"files,omitempty"`
	Metadata *domain.Metadata       `json:"metadata,omitempty"`
}

func (r Response) Err() error {
	if r.Status != "success" {
		return fmt.Errorf("daemon: %s", r.Message)
	}
	return nil
}

type request struct {
	Op      string      `json:"op"`
	ID      string      `json:"id"`
	Payload interface{} `json:"payload,omitempty"`
}

// Conn is a single websocket session to the daemon. It is safe for concurrent
// use; writes are serialized and responses are routed to their callers by ID.
type Conn struct {
	ws  *websocket.Conn
	log *logrus.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Response

	alerts    chan domain.Alert
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var (
	_ Caller  = (*Conn)(nil)
	_ Session = (*Conn)(nil)
)

// Dial connects to the daemon's /ws endpoint and starts the read loop.
func Dial(ctx context.Context, url string, log *logrus.Logger) (*Conn, error) {
	if log == nil {
		log = logrus.New()
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Conn{
		ws:      ws,
		log:     log,
		pending: make(map[string]chan Response),
		alerts:  make(chan domain.Alert, 256),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Alerts streams every broadcast alert received on this connection. The
// channel closes when the connection dies.
func (c *Conn) Alerts() <-chan domain.Alert { return c.alerts }

// Closed is signalled when the connection is no longer usable.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

func (c *Conn) Close() error {
	c.shutdown(nil)
	return c.ws.Close()
}

// shutdown marks the connection dead. Pending response channels are left
// open: waiters in Call unblock through the closed signal, and the read loop
// may still be routing a final frame into one of them.
func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
	})
}

// closedErr is only read after the closed signal, which orders it after the
// closeErr write in shutdown.
func (c *Conn) closedErr() error {
	if c.closeErr != nil {
		return fmt.Errorf("connection closed: %w", c.closeErr)
	}
	return fmt.Errorf("connection closed")
}

// Call sends one request and blocks for its correlated response.
func (c *Conn) Call(ctx context.Context, op string, payload interface{}) (Response, error) {
	id := uuid.New().String()
	ch := make(chan Response, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	frame, err := json.Marshal(request{Op: op, ID: id, Payload: payload})
	if err != nil {
		return Response{}, fmt.Errorf("marshal %s request: %w", op, err)
	}
	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err = c.ws.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		return Response{}, fmt.Errorf("write %s request: %w", op, err)
	}

	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-c.closed:
		return Response{}, c.closedErr()
	case resp := <-ch:
		return resp, nil
	}
}

func (c *Conn) readLoop() {
	// The read loop is the only sender on alerts, so it alone may close it.
	defer close(c.alerts)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}

		var frame struct {
			Op    string        `json:"op"`
			Alert *domain.Alert `json:"alert"`
			Response
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Warnf("malformed frame from daemon: %v", err)
			continue
		}

		if frame.Op == "broadcast" && frame.Alert != nil {
			select {
			case c.alerts <- *frame.Alert:
			default:
				c.log.Warn("alert buffer full, alert dropped")
			}
			continue
		}

		if frame.ID == "" {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[frame.ID]
		c.mu.Unlock()
		if ok {
			ch <- frame.Response
		}
	}
}

// Subscribe turns the alert stream on for this session.
func (c *Conn) Subscribe(ctx context.Context) error {
	resp, err := c.Call(ctx, "broadcast", map[string]string{"event": "start"})
	if err != nil {
		return err
	}
	return resp.Err()
}

// Unsubscribe turns the alert stream off.
func (c *Conn) Unsubscribe(ctx context.Context) error {
	resp, err := c.Call(ctx, "broadcast", map[string]string{"event": "stop"})
	if err != nil {
		return err
	}
	return resp.Err()
}

func (c *Conn) GetAll(ctx context.Context) ([]domain.TorrentRecord, error) {
	resp, err := c.Call(ctx, "get_all", nil)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.Torrents, nil
}

func (c *Conn) Get(ctx context.Context, infoHash string) (domain.TorrentRecord, error) {
	resp, err := c.Call(ctx, "get_specific", map[string]string{"info_hash": infoHash})
	if err != nil {
		return domain.TorrentRecord{}, err
	}
	if err := resp.Err(); err != nil {
		return domain.TorrentRecord{}, err
	}
	if resp.Torrent == nil {
		return domain.TorrentRecord{}, fmt.Errorf("daemon returned no torrent for %s", infoHash)
	}
	return *resp.Torrent, nil
}

func (c *Conn) PeersOf(ctx context.Context, infoHash string) ([]domain.Peer, error) {
	resp, err := c.Call(ctx, "get_specific_peers", map[string]string{"info_hash": infoHash})
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.Peers, nil
}

func (c *Conn) FilesOf(ctx context.Context, infoHash string) ([]domain.FileInfo, error) {
	resp, err := c.Call(ctx, "get_specific_files", map[string]string{"info_hash": infoHash})
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// FetchMetadata resolves a magnet's metadata and parks the torrent on the
// daemon, pending an explicit commit or cancel.
func (c *Conn) FetchMetadata(ctx context.Context, magnetURI, savePath string) (domain.Metadata, error) {
	resp, err := c.Call(ctx, "add_magnet", map[string]string{
		"action": "fetch_metadata", "magnet_uri": magnetURI, "save_path": savePath,
	})
	if err != nil {
		return domain.Metadata{}, err
	}
	if err := resp.Err(); err != nil {
		return domain.Metadata{}, err
	}
	if resp.Metadata == nil {
		return domain.Metadata{}, fmt.Errorf("daemon returned no metadata")
	}
	return *resp.Metadata, nil
}
