package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"seedgate/internal/domain"
	"seedgate/internal/engine"
	"seedgate/internal/magnet"
	"seedgate/internal/worker"
)

// FetchMetadata runs the first phase of the two-phase magnet add: a probe
// worker resolves the magnet's metadata, is paused, and is parked under a TTL
// until the client commits or cancels it. Re-fetching a parked magnet resets
// its TTL.
func (m *Manager) FetchMetadata(ctx context.Context, magnetURI, savePath string) (domain.Metadata, error) {
	src := engine.Source{MagnetURI: magnetURI}
	infoHash, err := magnet.InfoHashFromMagnet(magnetURI)
	if err != nil {
		return domain.Metadata{}, err
	}
	if savePath == "" {
		savePath = m.cfg.SavePath
	}

	m.mu.Lock()
	_, active := m.workers[infoHash]
	m.mu.Unlock()
	if active {
		return domain.Metadata{}, fmt.Errorf("torrent %s already active", infoHash)
	}

	entry, created := m.pending.getOrCreate(infoHash, func() *pendingEntry {
		w := worker.New(worker.Config{
			InfoHash:       infoHash,
			Source:         src,
			StatusInterval: m.cfg.StatusInterval,
			Logger:         m.log,
		}, m.eng)
		return &pendingEntry{
			w:        w,
			src:      src,
			savePath: savePath,
			ready:    make(chan struct{}),
		}
	})
	if created {
		entry.w.Start(m.ctx)
		m.wg.Add(1)
		go m.pump(infoHash, entry.w)
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.MetadataTimeout)
	defer cancel()
	select {
	case <-entry.ready:
	case <-waitCtx.Done():
		if created {
			m.CancelPending(context.Background(), infoHash)
		}
		m.emit(domain.Alert{
			Kind:     domain.AlertTrackerError,
			InfoHash: infoHash,
			Message:  "metadata not available after waiting",
		})
		return domain.Metadata{}, fmt.Errorf("metadata not available after waiting")
	}

	// Park the probe: release transfer resources, keep what was fetched.
	if created {
		if err := entry.w.Pause(ctx); err != nil {
			m.log.WithField("info_hash", infoHash).Warnf("park probe: %v", err)
		}
	}
	m.pending.touch(infoHash)

	entry.mu.Lock()
	meta := entry.meta
	meta.SavePath = entry.savePath
	entry.mu.Unlock()
	return meta, nil
}

// CommitPending promotes a parked probe into the torrent table and resumes it.
func (m *Manager) CommitPending(ctx context.Context, infoHash string) error {
	entry, ok := m.pending.take(infoHash)
	if !ok {
		return fmt.Errorf("%w: %s not in pending store", domain.ErrNotFound, infoHash)
	}

	entry.mu.Lock()
	rec := domain.TorrentRecord{
		InfoHash:  infoHash,
		Name:      entry.meta.Name,
		State:     domain.StateDownloading,
		TotalSize: entry.meta.TotalSize,
		Files:     entry.meta.Files,
		SavePath:  entry.savePath,
	}
	entry.mu.Unlock()

	m.mu.Lock()
	m.workers[infoHash] = &handle{w: entry.w, rec: rec}
	m.mu.Unlock()

	cmdCtx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
	defer cancel()
	if err := entry.w.Resume(cmdCtx); err != nil {
		return fmt.Errorf("commit %s: %w", infoHash, err)
	}

	m.emit(domain.Alert{Kind: domain.AlertAddTorrent, InfoHash: infoHash, Message: "torrent added"})
	m.log.WithField("info_hash", infoHash).Info("pending torrent committed")
	return nil
}

// CancelPending discards a parked probe and deletes whatever it downloaded.
func (m *Manager) CancelPending(ctx context.Context, infoHash string) error {
	entry, ok := m.pending.take(infoHash)
	if !ok {
		return fmt.Errorf("%w: %s not in pending store", domain.ErrNotFound, infoHash)
	}
	cmdCtx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
	defer cancel()
	if err := entry.w.Remove(cmdCtx, true); err != nil {
		return fmt.Errorf("cancel pending %s: %w", infoHash, err)
	}
	m.log.WithField("info_hash", infoHash).Info("pending torrent cancelled")
	return nil
}

func (m *Manager) expirePending(infoHash string, entry *pendingEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CommandTimeout)
	defer cancel()
	if err := entry.w.Remove(ctx, true); err != nil {
		m.log.WithField("info_hash", infoHash).Warnf("expire pending: %v", err)
	}
	m.log.WithField("info_hash", infoHash).Info("pending torrent expired")
}

// pendingEntry is one parked metadata probe.
type pendingEntry struct {
	w        *worker.Worker
	src      engine.Source
	savePath string

	mu   sync.Mutex
	meta domain.Metadata

	readyOnce sync.Once
	ready     chan struct{}
}

func (e *pendingEntry) observe(msg worker.Message) {
	if msg.Kind != worker.MsgMetadata {
		return
	}
	e.mu.Lock()
	e.meta = domain.Metadata{
		InfoHash:  msg.InfoHash,
		Name:      msg.Name,
		TotalSize: msg.TotalSize,
		Files:     msg.Files,
	}
	e.mu.Unlock()
	e.readyOnce.Do(func() { close(e.ready) })
}

// pendingStore holds parked probes with per-key expiry timers. Expiry tears
// the probe down through onExpire.
type pendingStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	entries  map[string]*pendingEntry
	timers   map[string]*time.Timer
	onExpire func(key string, entry *pendingEntry)
	closed   bool
}

func newPendingStore(ttl time.Duration, onExpire func(string, *pendingEntry)) *pendingStore {
	return &pendingStore{
		ttl:      ttl,
		entries:  make(map[string]*pendingEntry),
		timers:   make(map[string]*time.Timer),
		onExpire: onExpire,
	}
}

func (s *pendingStore) getOrCreate(key string, build func() *pendingEntry) (*pendingEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		s.resetLocked(key)
		return e, false
	}
	e := build()
	s.entries[key] = e
	s.resetLocked(key)
	return e, true
}

func (s *pendingStore) observe(key string, msg worker.Message) {
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if ok {
		e.observe(msg)
	}
}

// touch resets the expiry timer for key.
func (s *pendingStore) touch(key string) {
	s.mu.Lock()
	if _, ok := s.entries[key]; ok {
		s.resetLocked(key)
	}
	s.mu.Unlock()
}

// take removes and returns the entry, cancelling its timer.
func (s *pendingStore) take(key string) (*pendingEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	delete(s.entries, key)
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
	return e, true
}

func (s *pendingStore) resetLocked(key string) {
	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	s.timers[key] = time.AfterFunc(s.ttl, func() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		e, ok := s.entries[key]
		delete(s.entries, key)
		delete(s.timers, key)
		s.mu.Unlock()
		if ok && s.onExpire != nil {
			s.onExpire(key, e)
		}
	})
}

func (s *pendingStore) closeAll() {
	s.mu.Lock()
	s.closed = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
	s.entries = make(map[string]*pendingEntry)
	s.mu.Unlock()
}
