// Package manager owns the info_hash to worker mapping. It is the only
// component allowed to mutate that mapping, and every successful mutation is
// re-emitted as a broadcast alert.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"seedgate/internal/domain"
	"seedgate/internal/engine"
	"seedgate/internal/magnet"
	"seedgate/internal/sched"
	"seedgate/internal/worker"
)

type Config struct {
	SavePath        string
	StatusInterval  time.Duration
	FlushInterval   time.Duration
	DiagInterval    time.Duration
	CommandTimeout  time.Duration
	MetadataTimeout time.Duration
	PendingTTL      time.Duration
	Logger          *logrus.Logger
}

type Manager struct {
	cfg Config
	eng engine.Engine
	log *logrus.Logger

	mu      sync.Mutex
	workers map[string]*handle

	pending *pendingStore

	alerts chan domain.Alert

	dirtyMu sync.Mutex
	dirty   map[string]domain.StatusUpdate
	flush   *sched.Task
	diag    *sched.Task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type handle struct {
	w   *worker.Worker
	rec domain.TorrentRecord
}

func New(cfg Config, eng engine.Engine) *Manager {
	if cfg.StatusInterval == 0 {
		cfg.StatusInterval = time.Second
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 750 * time.Millisecond
	}
	if cfg.DiagInterval == 0 {
		cfg.DiagInterval = 30 * time.Second
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	if cfg.MetadataTimeout == 0 {
		cfg.MetadataTimeout = 20 * time.Second
	}
	if cfg.PendingTTL == 0 {
		cfg.PendingTTL = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	m := &Manager{
		cfg:     cfg,
		eng:     eng,
		log:     cfg.Logger,
		workers: make(map[string]*handle),
		alerts:  make(chan domain.Alert, 256),
		dirty:   make(map[string]domain.StatusUpdate),
		flush:   sched.NewTask(),
		diag:    sched.NewTask(),
	}
	m.pending = newPendingStore(cfg.PendingTTL, m.expirePending)
	return m
}

// Run starts the alert flush and diagnostics loops. It must be called before
// any torrent operation.
func (m *Manager) Run(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.flush.Start(m.ctx, m.cfg.FlushInterval, func(context.Context) {
		m.flushDirty()
	})
	m.diag.Start(m.ctx, m.cfg.DiagInterval, func(context.Context) {
		m.emit(domain.Alert{Kind: domain.AlertDHTStats, NumNodes: m.eng.NumDHTNodes()})
	})
	m.log.Info("process manager started")
}

// Shutdown tears down every worker and closes the alert stream.
func (m *Manager) Shutdown() {
	m.pending.closeAll()
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.flush.Stop()
	m.diag.Stop()
	close(m.alerts)
	m.log.Info("process manager stopped")
}

// Alerts is the ordered broadcast stream. Alerts for one info hash are emitted
// in the order the manager produced them; the channel is closed on Shutdown.
func (m *Manager) Alerts() <-chan domain.Alert { return m.alerts }

// Start computes the info hash synchronously, spawns a worker, and returns
// immediately; metadata and progress arrive asynchronously. Starting an
// already-registered torrent returns its hash without spawning a duplicate.
func (m *Manager) Start(ctx context.Context, src engine.Source) (string, error) {
	infoHash, err := magnet.InfoHashFromSource(src.MagnetURI, src.TorrentBytes)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if _, ok := m.workers[infoHash]; ok {
		m.mu.Unlock()
		return infoHash, nil
	}
	h := &handle{
		w: worker.New(worker.Config{
			InfoHash:       infoHash,
			Source:         src,
			StatusInterval: m.cfg.StatusInterval,
			Logger:         m.log,
		}, m.eng),
		rec: domain.TorrentRecord{
			InfoHash: infoHash,
			State:    domain.StateDownloading,
			SavePath: m.cfg.SavePath,
		},
	}
	m.workers[infoHash] = h
	m.mu.Unlock()

	h.w.Start(m.ctx)
	m.wg.Add(1)
	go m.pump(infoHash, h.w)

	m.emit(domain.Alert{Kind: domain.AlertAddTorrent, InfoHash: infoHash, Message: "torrent added"})
	m.log.WithField("info_hash", infoHash).Info("torrent started")
	return infoHash, nil
}

// Pause forwards the command and resolves once the worker acknowledges.
func (m *Manager) Pause(ctx context.Context, infoHash string) error {
	h, err := m.lookup(infoHash)
	if err != nil {
		return err
	}
	cmdCtx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
	defer cancel()
	if err := h.w.Pause(cmdCtx); err != nil {
		return fmt.Errorf("pause %s: %w", infoHash, err)
	}
	return nil
}

func (m *Manager) Resume(ctx context.Context, infoHash string) error {
	h, err := m.lookup(infoHash)
	if err != nil {
		return err
	}
	cmdCtx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
	defer cancel()
	if err := h.w.Resume(cmdCtx); err != nil {
		return fmt.Errorf("resume %s: %w", infoHash, err)
	}
	return nil
}

// AddTracker appends one announce URL to a running torrent. The refreshed
// tracker list reaches subscribers through the next state flush.
func (m *Manager) AddTracker(ctx context.Context, infoHash, url string) error {
	h, err := m.lookup(infoHash)
	if err != nil {
		return err
	}
	cmdCtx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
	defer cancel()
	if err := h.w.AddTrackers(cmdCtx, []string{url}); err != nil {
		return fmt.Errorf("add tracker to %s: %w", infoHash, err)
	}
	m.log.WithField("info_hash", infoHash).WithField("url", url).Info("tracker added")
	return nil
}

// Remove tears the worker down, drops the mapping entry, and emits the removed
// alert. removeData is forwarded to the engine to delete downloaded files.
func (m *Manager) Remove(ctx context.Context, infoHash string, removeData bool) error {
	h, err := m.lookup(infoHash)
	if err != nil {
		return err
	}
	cmdCtx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
	defer cancel()
	if err := h.w.Remove(cmdCtx, removeData); err != nil {
		return fmt.Errorf("remove %s: %w", infoHash, err)
	}

	m.mu.Lock()
	delete(m.workers, infoHash)
	m.mu.Unlock()

	m.dirtyMu.Lock()
	delete(m.dirty, infoHash)
	m.dirtyMu.Unlock()

	m.emit(domain.Alert{Kind: domain.AlertRemoved, InfoHash: infoHash})
	m.log.WithField("info_hash", infoHash).Info("torrent removed")
	return nil
}

// List returns snapshot copies of every record. It never blocks on worker I/O.
func (m *Manager) List() map[string]domain.TorrentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]domain.TorrentRecord, len(m.workers))
	for ih, h := range m.workers {
		out[ih] = h.rec.Clone()
	}
	return out
}

// Get returns a snapshot copy of one record.
func (m *Manager) Get(infoHash string) (domain.TorrentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.workers[infoHash]
	if !ok {
		return domain.TorrentRecord{}, fmt.Errorf("%w: %s", domain.ErrNotFound, infoHash)
	}
	return h.rec.Clone(), nil
}

// PeersOf returns the last reported peer list for one torrent.
func (m *Manager) PeersOf(infoHash string) ([]domain.Peer, error) {
	rec, err := m.Get(infoHash)
	if err != nil {
		return nil, err
	}
	return rec.Peers, nil
}

// FilesOf returns the per-file breakdown for one torrent.
func (m *Manager) FilesOf(infoHash string) ([]domain.FileInfo, error) {
	rec, err := m.Get(infoHash)
	if err != nil {
		return nil, err
	}
	return rec.Files, nil
}

func (m *Manager) lookup(infoHash string) (*handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.workers[infoHash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, infoHash)
	}
	return h, nil
}

// pump folds one worker's message stream into its record and re-emits
// lifecycle changes as broadcast alerts. It exits when the worker closes its
// stream.
func (m *Manager) pump(infoHash string, w *worker.Worker) {
	defer m.wg.Done()
	for msg := range w.Messages() {
		m.apply(infoHash, msg)
	}
}

func (m *Manager) apply(infoHash string, msg worker.Message) {
	m.mu.Lock()
	h, ok := m.workers[infoHash]
	if !ok {
		m.mu.Unlock()
		// Not in the table: this is a pending metadata probe.
		m.pending.observe(infoHash, msg)
		return
	}

	rec := &h.rec
	switch msg.Kind {
	case worker.MsgMetadata:
		rec.Name = msg.Name
		rec.TotalSize = msg.TotalSize
		rec.Files = msg.Files
		rec.Trackers = msg.Trackers
		rec.Nodes = msg.Nodes

	case worker.MsgProgress:
		if msg.Name != "" {
			rec.Name = msg.Name
		}
		rec.TotalSize = msg.TotalSize
		rec.Progress = msg.Progress
		rec.Downloaded = msg.Downloaded
		rec.Uploaded = msg.Uploaded
		rec.DownloadRate = msg.DownloadRate
		rec.UploadRate = msg.UploadRate
		rec.AvgDownloadRate = domain.SmoothRate(rec.AvgDownloadRate, msg.DownloadRate)
		rec.AvgUploadRate = domain.SmoothRate(rec.AvgUploadRate, msg.UploadRate)
		rec.NumPeers = msg.NumPeers
		rec.NumSeeds = msg.NumSeeds
		rec.Leeches = msg.Leeches
		rec.Peers = msg.Peers

	case worker.MsgPaused:
		rec.State = domain.StatePaused
		rec.Paused = true
		rec.DownloadRate = 0
		rec.UploadRate = 0

	case worker.MsgResumed:
		rec.State = domain.StateDownloading
		rec.Paused = false

	case worker.MsgDone:
		rec.State = domain.StateSeeding

	case worker.MsgError:
		rec.State = domain.StateError
		rec.ErrorMessage = msg.Err
	}
	status := statusOf(rec)
	m.mu.Unlock()

	switch msg.Kind {
	case worker.MsgPaused:
		m.emit(domain.Alert{Kind: domain.AlertPaused, InfoHash: infoHash})
	case worker.MsgResumed:
		m.emit(domain.Alert{Kind: domain.AlertResumed, InfoHash: infoHash})
	default:
		m.markDirty(status)
	}
}

func statusOf(rec *domain.TorrentRecord) domain.StatusUpdate {
	return domain.StatusUpdate{
		InfoHash:     rec.InfoHash,
		Name:         rec.Name,
		State:        rec.State,
		Progress:     rec.Progress,
		DownloadRate: rec.DownloadRate,
		UploadRate:   rec.UploadRate,
		NumPeers:     rec.NumPeers,
		NumSeeds:     rec.NumSeeds,
		TotalSize:    rec.TotalSize,
	}
}

func (m *Manager) markDirty(status domain.StatusUpdate) {
	m.dirtyMu.Lock()
	m.dirty[status.InfoHash] = status
	m.dirtyMu.Unlock()
}

// flushDirty drains pending status changes into one state_update batch.
func (m *Manager) flushDirty() {
	m.dirtyMu.Lock()
	if len(m.dirty) == 0 {
		m.dirtyMu.Unlock()
		return
	}
	statuses := make([]domain.StatusUpdate, 0, len(m.dirty))
	for _, st := range m.dirty {
		statuses = append(statuses, st)
	}
	m.dirty = make(map[string]domain.StatusUpdate)
	m.dirtyMu.Unlock()

	m.emit(domain.Alert{Kind: domain.AlertStateUpdate, Statuses: statuses})
}

// emit pushes an alert. State batches and diagnostics are dropped when the
// buffer is full; a later flush supersedes them. Lifecycle kinds have no
// later correction (a lost synthetic:removed would ghost the record in every
// mirror), so those block until the consumer catches up or the manager stops.
func (m *Manager) emit(alert domain.Alert) {
	switch alert.Kind {
	case domain.AlertStateUpdate, domain.AlertDHTStats, domain.AlertTrackerError:
		select {
		case m.alerts <- alert:
		default:
			m.log.WithField("type", string(alert.Kind)).Warn("alert buffer full, dropped")
		}
	default:
		select {
		case m.alerts <- alert:
		case <-m.ctx.Done():
		}
	}
}
