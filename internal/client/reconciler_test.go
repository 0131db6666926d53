package client

import (
	"context"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"seedgate/internal/domain"
)

// fakeSession is a scripted daemon connection for reconciler tests.
type fakeSession struct {
	mu       sync.Mutex
	table    map[string]domain.TorrentRecord
	getCalls map[string]int
	alerts   chan domain.Alert
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		table:    make(map[string]domain.TorrentRecord),
		getCalls: make(map[string]int),
		alerts:   make(chan domain.Alert, 16),
	}
}

func (f *fakeSession) GetAll(context.Context) ([]domain.TorrentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.TorrentRecord, 0, len(f.table))
	for _, rec := range f.table {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeSession) Get(_ context.Context, infoHash string) (domain.TorrentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls[infoHash]++
	rec, ok := f.table[infoHash]
	if !ok {
		return domain.TorrentRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (f *fakeSession) Subscribe(context.Context) error { return nil }

func (f *fakeSession) Alerts() <-chan domain.Alert { return f.alerts }

func (f *fakeSession) getCount(infoHash string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls[infoHash]
}

const hashA = "3f92992e2fbeb6ebb251304236bf5e0b600a91c3"

func TestReconcilerAddInsertsOnce(t *testing.T) {
	sess := newFakeSession()
	sess.table[hashA] = domain.TorrentRecord{InfoHash: hashA, Name: "debian.iso", State: domain.StateDownloading}
	rec := NewReconciler(sess, nil)

	ctx := context.Background()
	rec.Apply(ctx, domain.Alert{Kind: domain.AlertAddTorrent, InfoHash: hashA})
	rec.Apply(ctx, domain.Alert{Kind: domain.AlertAddTorrent, InfoHash: hashA})

	if n := sess.getCount(hashA); n != 1 {
		t.Fatalf("duplicate add alert triggered %d fetches, want 1", n)
	}
	got, ok := rec.Lookup(hashA)
	if !ok || got.Name != "debian.iso" {
		t.Fatalf("Lookup = (%+v, %v)", got, ok)
	}
}

func TestReconcilerStateUpdateMerge(t *testing.T) {
	sess := newFakeSession()
	rec := NewReconciler(sess, nil)
	rec.mu.Lock()
	rec.torrents[hashA] = domain.TorrentRecord{
		InfoHash: hashA, Name: "debian.iso", State: domain.StateDownloading,
		Progress: 40, TotalSize: 1000, SavePath: "/data",
		Files: []domain.FileInfo{{Name: "debian.iso", Length: 1000}},
	}
	rec.mu.Unlock()

	rec.Apply(context.Background(), domain.Alert{
		Kind: domain.AlertStateUpdate,
		Statuses: []domain.StatusUpdate{{
			InfoHash: hashA, Name: "debian.iso", State: domain.StateDownloading,
			Progress: 41.5, DownloadRate: 100, UploadRate: 20, NumPeers: 8, NumSeeds: 3, TotalSize: 1000,
		}},
	})

	got, _ := rec.Lookup(hashA)
	if got.Progress != 41.5 {
		t.Fatalf("Progress = %v, want 41.5", got.Progress)
	}
	if got.DownloadRate != 100 || got.NumPeers != 8 || got.NumSeeds != 3 {
		t.Fatalf("transfer fields not merged: %+v", got)
	}
	if got.AvgDownloadRate != 10 {
		t.Fatalf("AvgDownloadRate = %d, want 10 (one EMA fold from zero)", got.AvgDownloadRate)
	}
	// Fields the status does not carry stay intact.
	if got.SavePath != "/data" || len(got.Files) != 1 {
		t.Fatalf("untouched fields lost: %+v", got)
	}
}

func TestReconcilerStateUpdateMergeIdempotent(t *testing.T) {
	sess := newFakeSession()
	rec := NewReconciler(sess, nil)
	rec.mu.Lock()
	rec.torrents[hashA] = domain.TorrentRecord{
		InfoHash: hashA, Name: "debian.iso", State: domain.StateDownloading,
		Progress: 40, TotalSize: 1000,
	}
	rec.mu.Unlock()

	alert := domain.Alert{
		Kind: domain.AlertStateUpdate,
		Statuses: []domain.StatusUpdate{{
			InfoHash: hashA, Name: "debian.iso", State: domain.StateDownloading,
			Progress: 41.5, DownloadRate: 100, UploadRate: 20, NumPeers: 8, NumSeeds: 3, TotalSize: 1000,
		}},
	}
	rec.Apply(context.Background(), alert)
	once, _ := rec.Lookup(hashA)
	rec.Apply(context.Background(), alert)
	twice, _ := rec.Lookup(hashA)

	// Only the smoothed rates may differ between one and two applications.
	once.AvgDownloadRate, twice.AvgDownloadRate = 0, 0
	once.AvgUploadRate, twice.AvgUploadRate = 0, 0
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("re-applied batch changed the record:\nonce:  %+v\ntwice: %+v", once, twice)
	}
}

func TestReconcilerProgressNeverRegresses(t *testing.T) {
	sess := newFakeSession()
	rec := NewReconciler(sess, nil)
	rec.mu.Lock()
	rec.torrents[hashA] = domain.TorrentRecord{InfoHash: hashA, Progress: 50}
	rec.mu.Unlock()

	rec.Apply(context.Background(), domain.Alert{
		Kind:     domain.AlertStateUpdate,
		Statuses: []domain.StatusUpdate{{InfoHash: hashA, State: domain.StateDownloading, Progress: 49.9}},
	})

	got, _ := rec.Lookup(hashA)
	if got.Progress != 50 {
		t.Fatalf("Progress regressed to %v", got.Progress)
	}
}

func TestReconcilerUnknownHashIgnored(t *testing.T) {
	sess := newFakeSession()
	rec := NewReconciler(sess, nil)

	rec.Apply(context.Background(), domain.Alert{
		Kind:     domain.AlertStateUpdate,
		Statuses: []domain.StatusUpdate{{InfoHash: hashA, Progress: 10}},
	})

	if len(rec.Snapshot()) != 0 {
		t.Fatal("update for unknown torrent created a mirror entry")
	}
}

func TestReconcilerPauseResumeRemove(t *testing.T) {
	sess := newFakeSession()
	rec := NewReconciler(sess, nil)
	rec.mu.Lock()
	rec.torrents[hashA] = domain.TorrentRecord{
		InfoHash: hashA, State: domain.StateDownloading, Progress: 30,
		DownloadRate: 500, UploadRate: 50, NumPeers: 4,
	}
	rec.mu.Unlock()
	ctx := context.Background()

	rec.Apply(ctx, domain.Alert{Kind: domain.AlertPaused, InfoHash: hashA})
	got, _ := rec.Lookup(hashA)
	if got.State != domain.StatePaused || !got.Paused {
		t.Fatalf("after pause: %+v", got)
	}
	if got.DownloadRate != 0 || got.UploadRate != 0 || got.NumPeers != 0 {
		t.Fatalf("pause did not zero transfer fields: %+v", got)
	}
	if got.Progress != 30 {
		t.Fatalf("pause lost progress: %v", got.Progress)
	}

	rec.Apply(ctx, domain.Alert{Kind: domain.AlertResumed, InfoHash: hashA})
	got, _ = rec.Lookup(hashA)
	if got.State != domain.StateDownloading || got.Paused {
		t.Fatalf("after resume: %+v", got)
	}

	rec.Apply(ctx, domain.Alert{Kind: domain.AlertRemoved, InfoHash: hashA})
	if _, ok := rec.Lookup(hashA); ok {
		t.Fatal("removed torrent still in mirror")
	}
}

func TestReconcilerUnknownAlertKindIgnored(t *testing.T) {
	sess := newFakeSession()
	rec := NewReconciler(sess, nil)
	rec.mu.Lock()
	rec.torrents[hashA] = domain.TorrentRecord{InfoHash: hashA, Progress: 30}
	rec.mu.Unlock()

	rec.Apply(context.Background(), domain.Alert{Kind: "metadata_flushed", InfoHash: hashA})

	got, _ := rec.Lookup(hashA)
	if got.Progress != 30 {
		t.Fatalf("unknown alert mutated mirror: %+v", got)
	}
}

func TestReconcilerSnapshotIsDeepCopy(t *testing.T) {
	sess := newFakeSession()
	rec := NewReconciler(sess, nil)
	rec.mu.Lock()
	rec.torrents[hashA] = domain.TorrentRecord{
		InfoHash: hashA,
		Files:    []domain.FileInfo{{Name: "a.bin"}},
	}
	rec.mu.Unlock()

	snap := rec.Snapshot()
	entry := snap[hashA]
	entry.Files[0].Name = "mutated"

	got, _ := rec.Lookup(hashA)
	if got.Files[0].Name != "a.bin" {
		t.Fatal("Snapshot shares backing arrays with the mirror")
	}
}

func TestReconcilerPublishSnapshots(t *testing.T) {
	sess := newFakeSession()
	sess.table[hashA] = domain.TorrentRecord{InfoHash: hashA, Name: "debian.iso"}
	rec := NewReconciler(sess, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	snapshots := rec.PublishSnapshots(ctx, time.Hour)

	// The add alert must publish immediately, not wait for the next tick.
	rec.Apply(ctx, domain.Alert{Kind: domain.AlertAddTorrent, InfoHash: hashA})

	select {
	case snap := <-snapshots:
		if _, ok := snap[hashA]; !ok {
			t.Fatalf("snapshot missing %s: %v", hashA, snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot published after add resolved")
	}
}

func TestReconcilerETA(t *testing.T) {
	sess := newFakeSession()
	rec := NewReconciler(sess, nil)
	rec.mu.Lock()
	rec.torrents[hashA] = domain.TorrentRecord{InfoHash: hashA, TotalSize: 200, Progress: 25, DownloadRate: 10}
	rec.mu.Unlock()

	eta, ok := rec.ETAOf(hashA)
	if !ok || eta != 15 {
		t.Fatalf("ETAOf = (%v, %v), want (15, true)", eta, ok)
	}

	rec.mu.Lock()
	entry := rec.torrents[hashA]
	entry.DownloadRate = 0
	rec.torrents[hashA] = entry
	rec.mu.Unlock()

	eta, ok = rec.ETAOf(hashA)
	if !ok || !math.IsInf(eta, 1) {
		t.Fatalf("stalled ETAOf = (%v, %v), want (+Inf, true)", eta, ok)
	}

	if _, ok := rec.ETAOf("unknown"); ok {
		t.Fatal("ETAOf reported ok for unknown torrent")
	}
}
