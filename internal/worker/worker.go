// Package worker runs one isolated execution unit per active torrent. A worker
// owns its engine handle exclusively and talks to the outside world only
// through typed messages: commands in, lifecycle and progress reports out.
package worker

import (
	"context"
	"fmt"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"seedgate/internal/domain"
	"seedgate/internal/engine"
)

type MessageKind int

const (
	MsgMetadata MessageKind = iota
	MsgProgress
	MsgPaused
	MsgResumed
	MsgDone
	MsgError
)

// Message is one worker-to-manager report. Every kind is idempotent to
// re-delivery.
type Message struct {
	Kind     MessageKind
	InfoHash string

	// Metadata fields.
	Name      string
	TotalSize int64
	NumPieces int
	Files     []domain.FileInfo
	Trackers  []domain.TrackerInfo
	Nodes     []domain.DHTNode

	// Progress fields.
	Progress     float64
	Downloaded   int64
	Uploaded     int64
	DownloadRate int64
	UploadRate   int64
	NumPeers     int
	NumSeeds     int
	Leeches      int
	Peers        []domain.Peer

	Err string
}

type commandKind int

const (
	cmdPause commandKind = iota
	cmdResume
	cmdRemove
	cmdAddTrackers
)

type command struct {
	kind       commandKind
	deleteData bool
	trackers   []string
	ack        chan error
}

type Config struct {
	InfoHash       string
	Source         engine.Source
	StatusInterval time.Duration
	Logger         *logrus.Logger
}

// Worker drives a single torrent through the state machine
// downloading -> seeding, with paused and error as excursions. It is started
// once and exits on remove, fatal fault, or context cancellation.
type Worker struct {
	cfg      Config
	eng      engine.Engine
	commands chan command
	messages chan Message
	done     chan struct{}
}

func New(cfg Config, eng engine.Engine) *Worker {
	if cfg.StatusInterval == 0 {
		cfg.StatusInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Worker{
		cfg:      cfg,
		eng:      eng,
		commands: make(chan command),
		messages: make(chan Message, 64),
		done:     make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Messages is the outbound report stream. It is closed when the worker exits.
func (w *Worker) Messages() <-chan Message { return w.messages }

// Done is closed once the worker goroutine has fully exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Pause suspends the caller until the worker acknowledges. Pausing a worker
// that is not transferring is a successful no-op.
func (w *Worker) Pause(ctx context.Context) error {
	return w.send(ctx, command{kind: cmdPause, ack: make(chan error, 1)})
}

// Resume re-attaches a paused worker to its source.
func (w *Worker) Resume(ctx context.Context) error {
	return w.send(ctx, command{kind: cmdResume, ack: make(chan error, 1)})
}

// Remove releases all resources and terminates the worker.
func (w *Worker) Remove(ctx context.Context, deleteData bool) error {
	return w.send(ctx, command{kind: cmdRemove, deleteData: deleteData, ack: make(chan error, 1)})
}

// AddTrackers appends announce URLs to the live engine session. It fails when
// the worker holds no session, which is the case while paused or faulted.
func (w *Worker) AddTrackers(ctx context.Context, urls []string) error {
	return w.send(ctx, command{kind: cmdAddTrackers, trackers: urls, ack: make(chan error, 1)})
}

func (w *Worker) send(ctx context.Context, cmd command) error {
	select {
	case w.commands <- cmd:
	case <-w.done:
		// A terminated worker treats every command as already satisfied.
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer close(w.messages)

	logger := w.cfg.Logger.WithField("info_hash", w.cfg.InfoHash)

	state := domain.StateDownloading
	handle, err := w.eng.Add(w.cfg.Source)
	if err != nil {
		state = domain.StateError
		w.emit(ctx, Message{Kind: MsgError, InfoHash: w.cfg.InfoHash, Err: err.Error()})
		logger.Errorf("attach source: %v", err)
	}

	var metadataCh <-chan struct{}
	if handle != nil {
		metadataCh = handle.GotMetadata()
	}

	var (
		lastDown int64
		lastUp   int64
		lastTime = time.Now()
	)

	ticker := time.NewTicker(w.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if handle != nil {
				handle.Drop(false)
			}
			return

		case <-metadataCh:
			metadataCh = nil
			handle.DownloadAll()
			w.emit(ctx, w.metadataMessage(handle))
			logger.Infof("metadata resolved: %s", handle.Name())

		case cmd := <-w.commands:
			switch cmd.kind {
			case cmdRemove:
				if handle != nil {
					handle.Drop(cmd.deleteData)
					handle = nil
				} else if cmd.deleteData {
					// Paused workers have no live handle; re-attach briefly so
					// the engine can find and delete the partial data.
					if h, err := w.eng.Add(w.cfg.Source); err == nil {
						h.Drop(true)
					}
				}
				cmd.ack <- nil
				return

			case cmdPause:
				if state != domain.StateDownloading && state != domain.StateSeeding {
					cmd.ack <- nil // idempotent no-op
					continue
				}
				// Release transfer resources but keep downloaded data so a
				// later resume can re-attach.
				if handle != nil {
					handle.Drop(false)
					handle = nil
					metadataCh = nil
				}
				state = domain.StatePaused
				w.emit(ctx, Message{Kind: MsgPaused, InfoHash: w.cfg.InfoHash})
				cmd.ack <- nil
				logger.Info("paused")

			case cmdResume:
				if state != domain.StatePaused {
					cmd.ack <- nil // idempotent no-op
					continue
				}
				h, err := w.eng.Add(w.cfg.Source)
				if err != nil {
					state = domain.StateError
					w.emit(ctx, Message{Kind: MsgError, InfoHash: w.cfg.InfoHash, Err: err.Error()})
					cmd.ack <- fmt.Errorf("re-attach source: %w", err)
					logger.Errorf("resume: %v", err)
					continue
				}
				handle = h
				metadataCh = h.GotMetadata()
				state = domain.StateDownloading
				lastDown, lastUp, lastTime = 0, 0, time.Now()
				w.emit(ctx, Message{Kind: MsgResumed, InfoHash: w.cfg.InfoHash})
				cmd.ack <- nil
				logger.Info("resumed")

			case cmdAddTrackers:
				if handle == nil {
					cmd.ack <- fmt.Errorf("no active engine session")
					continue
				}
				handle.AddTrackers(cmd.trackers)
				// Re-announce the metadata view so the refreshed tracker list
				// reaches the record.
				if metadataCh == nil {
					w.emit(ctx, w.metadataMessage(handle))
				}
				cmd.ack <- nil
				logger.WithField("trackers", cmd.trackers).Info("trackers added")
			}

		case <-ticker.C:
			if handle == nil || metadataCh != nil {
				continue
			}
			if state != domain.StateDownloading && state != domain.StateSeeding {
				continue
			}

			stats := handle.Stats()
			elapsed := time.Since(lastTime).Seconds()
			var downRate, upRate int64
			if elapsed > 0 {
				downRate = int64(float64(stats.BytesCompleted-lastDown) / elapsed)
				upRate = int64(float64(stats.BytesUploaded-lastUp) / elapsed)
			}
			if downRate < 0 {
				downRate = 0
			}
			if upRate < 0 {
				upRate = 0
			}
			lastDown, lastUp, lastTime = stats.BytesCompleted, stats.BytesUploaded, time.Now()

			w.emit(ctx, w.progressMessage(handle, stats, downRate, upRate))

			if state == domain.StateDownloading && handle.Complete() {
				state = domain.StateSeeding
				w.emit(ctx, Message{Kind: MsgDone, InfoHash: w.cfg.InfoHash})
				logger.Info("download complete, seeding")
			}
		}
	}
}

func (w *Worker) emit(ctx context.Context, msg Message) {
	select {
	case w.messages <- msg:
	case <-ctx.Done():
	}
}

func (w *Worker) metadataMessage(h engine.Handle) Message {
	total := h.Length()
	files := h.Files()
	out := make([]domain.FileInfo, len(files))
	for i, f := range files {
		out[i] = domain.FileInfo{
			Name:       f.Name,
			Path:       f.Path,
			Length:     f.Length,
			Downloaded: f.BytesCompleted,
			Progress:   fileProgress(f),
		}
	}
	return Message{
		Kind:      MsgMetadata,
		InfoHash:  w.cfg.InfoHash,
		Name:      h.Name(),
		TotalSize: total,
		NumPieces: h.NumPieces(),
		Files:     out,
		Trackers:  trackerInfos(h.AnnounceList()),
		Nodes:     dhtNodes(h.DHTNodes()),
	}
}

func (w *Worker) progressMessage(h engine.Handle, stats engine.Stats, downRate, upRate int64) Message {
	total := h.Length()
	progress := 0.0
	if total > 0 {
		progress = round2(float64(stats.BytesCompleted) / float64(total) * 100)
	}

	peers, leeches := classifyPeers(h.Peers(), h.NumPieces())

	return Message{
		Kind:         MsgProgress,
		InfoHash:     w.cfg.InfoHash,
		Name:         h.Name(),
		TotalSize:    total,
		Progress:     progress,
		Downloaded:   stats.BytesCompleted,
		Uploaded:     stats.BytesUploaded,
		DownloadRate: downRate,
		UploadRate:   upRate,
		NumPeers:     stats.TotalPeers,
		NumSeeds:     stats.ConnectedSeeders,
		Leeches:      leeches,
		Peers:        peers,
	}
}

// classifyPeers maps engine peer stats onto domain peers. A peer holding every
// known piece is a seeder, one holding some but not all is a leecher, and a
// peer whose piece count is unknowable stays unknown.
func classifyPeers(stats []engine.PeerStat, totalPieces int) ([]domain.Peer, int) {
	peers := make([]domain.Peer, len(stats))
	leeches := 0
	for i, ps := range stats {
		kind := domain.PeerUnknown
		progress := 0.0
		if totalPieces > 0 {
			progress = round2(float64(ps.PiecesHeld) / float64(totalPieces) * 100)
			switch {
			case ps.PiecesHeld >= totalPieces:
				kind = domain.PeerSeeder
			case ps.PiecesHeld > 0:
				kind = domain.PeerLeecher
				leeches++
			}
		}
		peers[i] = domain.Peer{
			Addr:           ps.Addr,
			Client:         ps.Client,
			ConnectionType: connectionType(ps.Network),
			Kind:           kind,
			Progress:       progress,
			DownloadRate:   int64(ps.DownloadRate),
		}
	}
	return peers, leeches
}

func connectionType(network string) string {
	switch network {
	case "udp", "utp":
		return "μTP"
	case "webrtc":
		return "WEB"
	default:
		return "BT"
	}
}

func trackerInfos(tiers [][]string) []domain.TrackerInfo {
	var out []domain.TrackerInfo
	for tier, urls := range tiers {
		for _, u := range urls {
			out = append(out, domain.TrackerInfo{URL: u, Tier: tier, Status: "OK"})
		}
	}
	return out
}

func dhtNodes(raw []string) []domain.DHTNode {
	var out []domain.DHTNode
	for _, addr := range raw {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		out = append(out, domain.DHTNode{Host: host, Port: port})
	}
	return out
}

func fileProgress(f engine.FileStat) float64 {
	if f.Length == 0 {
		return 0
	}
	return round2(float64(f.BytesCompleted) / float64(f.Length) * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
