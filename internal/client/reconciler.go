package client

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"seedgate/internal/domain"
	"seedgate/internal/sched"
)

// Session is the slice of the connection the reconciler needs.
type Session interface {
	GetAll(ctx context.Context) ([]domain.TorrentRecord, error)
	Get(ctx context.Context, infoHash string) (domain.TorrentRecord, error)
	Subscribe(ctx context.Context) error
	Alerts() <-chan domain.Alert
}

// Reconciler maintains a local mirror of the daemon's torrent table, seeded
// from get_all and kept current by folding the alert stream into it. The
// mirror is last-writer-wins per torrent; a missed alert is healed by the next
// state_update batch or by reseeding on reconnect.
type Reconciler struct {
	conn Session
	log  *logrus.Logger

	mu       sync.RWMutex
	torrents map[string]domain.TorrentRecord

	// info hashes with an add_torrent fetch already in flight, so a burst of
	// duplicate add alerts resolves to at most one insert.
	fetching map[string]struct{}

	snapMu    sync.Mutex
	snapshots chan map[string]domain.TorrentRecord
}

func NewReconciler(conn Session, log *logrus.Logger) *Reconciler {
	if log == nil {
		log = logrus.New()
	}
	return &Reconciler{
		conn:     conn,
		log:      log,
		torrents: make(map[string]domain.TorrentRecord),
		fetching: make(map[string]struct{}),
	}
}

// Run seeds the mirror, subscribes to the alert stream, and folds alerts in
// until ctx is cancelled or the connection closes.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.Seed(ctx); err != nil {
		return err
	}
	if err := r.conn.Subscribe(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case alert, ok := <-r.conn.Alerts():
			if !ok {
				return nil
			}
			r.Apply(ctx, alert)
		}
	}
}

// Seed replaces the mirror with the daemon's full table.
func (r *Reconciler) Seed(ctx context.Context) error {
	records, err := r.conn.GetAll(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.torrents = make(map[string]domain.TorrentRecord, len(records))
	for _, rec := range records {
		r.torrents[rec.InfoHash] = rec.Clone()
	}
	r.mu.Unlock()
	return nil
}

// Apply folds one alert into the mirror. Unknown alert kinds and updates for
// torrents the mirror has never seen are ignored.
func (r *Reconciler) Apply(ctx context.Context, alert domain.Alert) {
	switch alert.Kind {
	case domain.AlertAddTorrent:
		r.applyAdd(ctx, alert.InfoHash)

	case domain.AlertStateUpdate:
		r.mu.Lock()
		for _, st := range alert.Statuses {
			rec, ok := r.torrents[st.InfoHash]
			if !ok {
				continue
			}
			mergeStatus(&rec, st)
			r.torrents[st.InfoHash] = rec
		}
		r.mu.Unlock()

	case domain.AlertPaused:
		r.mu.Lock()
		if rec, ok := r.torrents[alert.InfoHash]; ok {
			rec.State = domain.StatePaused
			rec.Paused = true
			rec.DownloadRate = 0
			rec.UploadRate = 0
			rec.NumPeers = 0
			rec.NumSeeds = 0
			rec.Leeches = 0
			r.torrents[alert.InfoHash] = rec
		}
		r.mu.Unlock()

	case domain.AlertResumed:
		r.mu.Lock()
		if rec, ok := r.torrents[alert.InfoHash]; ok {
			rec.Paused = false
			if rec.Progress >= 100 {
				rec.State = domain.StateSeeding
			} else {
				rec.State = domain.StateDownloading
			}
			r.torrents[alert.InfoHash] = rec
		}
		r.mu.Unlock()

	case domain.AlertRemoved:
		r.mu.Lock()
		delete(r.torrents, alert.InfoHash)
		r.mu.Unlock()

	case domain.AlertTrackerError:
		r.log.WithField("info_hash", alert.InfoHash).Warnf("tracker %s: %s", alert.TrackerURL, alert.Message)

	case domain.AlertDHTStats:
		r.log.Debugf("dht: %d nodes", alert.NumNodes)

	default:
		// Forward-compatible: new alert kinds are a no-op.
	}
}

// applyAdd inserts a newly announced torrent at most once, fetching its full
// record from the daemon. Duplicate add alerts for a hash already present or
// already being fetched are dropped.
func (r *Reconciler) applyAdd(ctx context.Context, infoHash string) {
	r.mu.Lock()
	_, present := r.torrents[infoHash]
	_, inflight := r.fetching[infoHash]
	if present || inflight {
		r.mu.Unlock()
		return
	}
	r.fetching[infoHash] = struct{}{}
	r.mu.Unlock()

	rec, err := r.conn.Get(ctx, infoHash)

	r.mu.Lock()
	delete(r.fetching, infoHash)
	if err == nil {
		if _, ok := r.torrents[infoHash]; !ok {
			r.torrents[infoHash] = rec.Clone()
		}
	}
	r.mu.Unlock()
	if err != nil {
		r.log.WithField("info_hash", infoHash).Warnf("fetch after add failed: %v", err)
		return
	}
	r.publish()
}

// mergeStatus folds one status entry into a record. Only the fields a status
// carries are touched; progress never moves backwards, so a late batch cannot
// make a transfer appear to regress.
func mergeStatus(rec *domain.TorrentRecord, st domain.StatusUpdate) {
	if st.Name != "" {
		rec.Name = st.Name
	}
	if st.State != "" {
		rec.State = st.State
		rec.Paused = st.State == domain.StatePaused
	}
	if st.Progress > rec.Progress {
		rec.Progress = st.Progress
	}
	rec.DownloadRate = st.DownloadRate
	rec.UploadRate = st.UploadRate
	rec.AvgDownloadRate = domain.SmoothRate(rec.AvgDownloadRate, st.DownloadRate)
	rec.AvgUploadRate = domain.SmoothRate(rec.AvgUploadRate, st.UploadRate)
	rec.NumPeers = st.NumPeers
	rec.NumSeeds = st.NumSeeds
	if st.TotalSize > 0 {
		rec.TotalSize = st.TotalSize
	}
}

// PublishSnapshots emits a deep-copied snapshot of the mirror on the returned
// channel every interval, plus one immediately after each new torrent resolves.
// A reader that falls behind misses snapshots; each one is complete, so only
// the latest matters. The channel stops filling when ctx is cancelled.
func (r *Reconciler) PublishSnapshots(ctx context.Context, interval time.Duration) <-chan map[string]domain.TorrentRecord {
	ch := make(chan map[string]domain.TorrentRecord, 1)
	r.snapMu.Lock()
	r.snapshots = ch
	r.snapMu.Unlock()

	task := sched.NewTask()
	task.Start(ctx, interval, func(context.Context) { r.publish() })
	go func() {
		<-ctx.Done()
		task.Stop()
	}()
	return ch
}

func (r *Reconciler) publish() {
	r.snapMu.Lock()
	ch := r.snapshots
	r.snapMu.Unlock()
	if ch == nil {
		return
	}
	snap := r.Snapshot()
	// Replace a stale unread snapshot rather than block.
	select {
	case ch <- snap:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// Snapshot returns a deep copy of the mirror keyed by info hash.
func (r *Reconciler) Snapshot() map[string]domain.TorrentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]domain.TorrentRecord, len(r.torrents))
	for hash, rec := range r.torrents {
		out[hash] = rec.Clone()
	}
	return out
}

// Lookup returns a deep copy of one mirrored record.
func (r *Reconciler) Lookup(infoHash string) (domain.TorrentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.torrents[infoHash]
	if !ok {
		return domain.TorrentRecord{}, false
	}
	return rec.Clone(), true
}

// ETAOf estimates the remaining transfer time in seconds for one mirrored
// torrent. A stalled or finished transfer reports +Inf; the second return is
// false when the torrent is unknown.
func (r *Reconciler) ETAOf(infoHash string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.torrents[infoHash]
	if !ok {
		return 0, false
	}
	return domain.ETA(rec.TotalSize, rec.Progress, rec.DownloadRate), true
}
