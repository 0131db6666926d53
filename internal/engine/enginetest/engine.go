// Package enginetest provides an in-memory Engine for worker and manager
// tests. Handles are scripted: tests flip their fields and close their
// metadata channel to drive the worker through its lifecycle.
package enginetest

import (
	"fmt"
	"sync"

	"seedgate/internal/engine"
)

// Engine hands out scripted handles keyed by source. Add returns an error for
// any source registered via FailNextAdd.
type Engine struct {
	mu       sync.Mutex
	handles  []*Handle
	addErr   error
	addCalls int
	DHTNodes int
}

func New() *Engine {
	return &Engine{}
}

// FailNextAdd makes the next Add call return err.
func (e *Engine) FailNextAdd(err error) {
	e.mu.Lock()
	e.addErr = err
	e.mu.Unlock()
}

func (e *Engine) Add(src engine.Source) (engine.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.addCalls++
	if e.addErr != nil {
		err := e.addErr
		e.addErr = nil
		return nil, err
	}
	h := &Handle{
		metadata: make(chan struct{}),
		source:   src,
	}
	e.handles = append(e.handles, h)
	return h, nil
}

// AddCalls counts every Add, including failed ones.
func (e *Engine) AddCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addCalls
}

func (e *Engine) NumDHTNodes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.DHTNodes
}

func (e *Engine) Close() {}

// Handles returns every handle Add has produced, in order.
func (e *Engine) Handles() []*Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Handle(nil), e.handles...)
}

// LastHandle returns the most recently added handle.
func (e *Engine) LastHandle() (*Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.handles) == 0 {
		return nil, fmt.Errorf("no handles added")
	}
	return e.handles[len(e.handles)-1], nil
}

// Handle is a scripted engine.Handle.
type Handle struct {
	mu           sync.Mutex
	metadata     chan struct{}
	metadataOnce sync.Once
	source       engine.Source

	TorrentName string
	TotalLength int64
	Pieces      int
	FileList    []engine.FileStat
	PeerList    []engine.PeerStat
	Transfer    engine.Stats
	Announce    [][]string
	Nodes       []string

	dropped     bool
	dataDeleted bool
	downloading bool
}

// ResolveMetadata publishes metadata and unblocks GotMetadata waiters.
func (h *Handle) ResolveMetadata(name string, length int64, pieces int, files []engine.FileStat) {
	h.mu.Lock()
	h.TorrentName = name
	h.TotalLength = length
	h.Pieces = pieces
	h.FileList = files
	h.mu.Unlock()
	h.metadataOnce.Do(func() { close(h.metadata) })
}

// SetTransfer replaces the stats returned from the next Stats call.
func (h *Handle) SetTransfer(st engine.Stats) {
	h.mu.Lock()
	h.Transfer = st
	h.mu.Unlock()
}

// SetPeers replaces the peer list.
func (h *Handle) SetPeers(peers []engine.PeerStat) {
	h.mu.Lock()
	h.PeerList = peers
	h.mu.Unlock()
}

func (h *Handle) GotMetadata() <-chan struct{} { return h.metadata }

func (h *Handle) Name() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.TorrentName
}

func (h *Handle) Length() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.TotalLength
}

func (h *Handle) NumPieces() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Pieces
}

func (h *Handle) Files() []engine.FileStat {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]engine.FileStat(nil), h.FileList...)
}

func (h *Handle) Stats() engine.Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Transfer
}

func (h *Handle) Peers() []engine.PeerStat {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]engine.PeerStat(nil), h.PeerList...)
}

func (h *Handle) AnnounceList() [][]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Announce
}

func (h *Handle) AddTrackers(urls []string) {
	h.mu.Lock()
	h.Announce = append(h.Announce, append([]string(nil), urls...))
	h.mu.Unlock()
}

func (h *Handle) DHTNodes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Nodes
}

func (h *Handle) DownloadAll() {
	h.mu.Lock()
	h.downloading = true
	h.mu.Unlock()
}

func (h *Handle) Complete() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.TotalLength > 0 && h.Transfer.BytesMissing == 0 && h.Transfer.BytesCompleted >= h.TotalLength
}

func (h *Handle) Drop(deleteData bool) {
	h.mu.Lock()
	h.dropped = true
	if deleteData {
		h.dataDeleted = true
	}
	h.mu.Unlock()
}

// Dropped reports whether the handle was released.
func (h *Handle) Dropped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// DataDeleted reports whether a Drop asked for the data to go too.
func (h *Handle) DataDeleted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dataDeleted
}

// Downloading reports whether the worker requested piece download.
func (h *Handle) Downloading() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.downloading
}

var _ engine.Engine = (*Engine)(nil)
var _ engine.Handle = (*Handle)(nil)
