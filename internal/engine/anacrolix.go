package engine

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
)

// Config controls the embedded anacrolix client.
type Config struct {
	DataDir  string
	Seed     bool
	Trackers []string
}

// Anacrolix adapts github.com/anacrolix/torrent to the Engine interface.
type Anacrolix struct {
	client   *torrent.Client
	dataDir  string
	trackers []string
}

func NewAnacrolix(cfg Config) (*Anacrolix, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if len(cfg.Trackers) == 0 {
		cfg.Trackers = DefaultTrackers()
	}

	clientConfig := torrent.NewDefaultClientConfig()
	clientConfig.DataDir = cfg.DataDir
	clientConfig.NoUpload = false
	clientConfig.Seed = cfg.Seed

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create torrent client: %w", err)
	}
	return &Anacrolix{client: client, dataDir: cfg.DataDir, trackers: cfg.Trackers}, nil
}

func (e *Anacrolix) Add(src Source) (Handle, error) {
	var (
		t   *torrent.Torrent
		err error
	)
	switch {
	case src.MagnetURI != "":
		t, err = e.client.AddMagnet(src.MagnetURI)
	case len(src.TorrentBytes) > 0:
		var mi *metainfo.MetaInfo
		mi, err = metainfo.Load(bytes.NewReader(src.TorrentBytes))
		if err == nil {
			t, err = e.client.AddTorrent(mi)
		}
	default:
		err = fmt.Errorf("empty torrent source")
	}
	if err != nil {
		return nil, fmt.Errorf("add torrent: %w", err)
	}

	for _, tracker := range e.trackers {
		t.AddTrackers([][]string{{tracker}})
	}
	return &anacrolixHandle{t: t, dataDir: e.dataDir}, nil
}

func (e *Anacrolix) NumDHTNodes() int {
	total := 0
	for _, s := range e.client.DhtServers() {
		if st, ok := s.Stats().(dht.ServerStats); ok {
			total += st.Nodes
		}
	}
	return total
}

func (e *Anacrolix) Close() {
	e.client.Close()
}

type anacrolixHandle struct {
	t       *torrent.Torrent
	dataDir string
}

func (h *anacrolixHandle) GotMetadata() <-chan struct{} { return h.t.GotInfo() }

func (h *anacrolixHandle) Name() string { return h.t.Name() }

func (h *anacrolixHandle) Length() int64 {
	if h.t.Info() == nil {
		return 0
	}
	return h.t.Length()
}

func (h *anacrolixHandle) NumPieces() int {
	if h.t.Info() == nil {
		return 0
	}
	return h.t.NumPieces()
}

func (h *anacrolixHandle) Files() []FileStat {
	if h.t.Info() == nil {
		return nil
	}
	files := h.t.Files()
	out := make([]FileStat, len(files))
	for i, f := range files {
		out[i] = FileStat{
			Name:           f.DisplayPath(),
			Path:           f.Path(),
			Length:         f.Length(),
			BytesCompleted: f.BytesCompleted(),
		}
	}
	return out
}

func (h *anacrolixHandle) Stats() Stats {
	st := h.t.Stats()
	return Stats{
		BytesCompleted:   h.t.BytesCompleted(),
		BytesMissing:     h.t.BytesMissing(),
		BytesUploaded:    st.BytesWrittenData.Int64(),
		TotalPeers:       st.TotalPeers,
		ActivePeers:      st.ActivePeers,
		ConnectedSeeders: st.ConnectedSeeders,
		HalfOpenPeers:    st.HalfOpenPeers,
	}
}

func (h *anacrolixHandle) Peers() []PeerStat {
	conns := h.t.PeerConns()
	out := make([]PeerStat, 0, len(conns))
	for _, pc := range conns {
		ps := PeerStat{
			Network:      pc.Network,
			DownloadRate: pc.DownloadRate(),
		}
		if pc.RemoteAddr != nil {
			ps.Addr = pc.RemoteAddr.String()
		}
		if name, ok := pc.PeerClientName.Load().(string); ok {
			ps.Client = name
		}
		if pieces := pc.PeerPieces(); pieces != nil {
			ps.PiecesHeld = int(pieces.GetCardinality())
		}
		out = append(out, ps)
	}
	return out
}

func (h *anacrolixHandle) AnnounceList() [][]string {
	mi := h.t.Metainfo()
	tiers := make([][]string, 0, len(mi.AnnounceList)+1)
	if mi.Announce != "" {
		tiers = append(tiers, []string{mi.Announce})
	}
	for _, tier := range mi.AnnounceList {
		tiers = append(tiers, append([]string(nil), tier...))
	}
	return tiers
}

func (h *anacrolixHandle) AddTrackers(urls []string) {
	h.t.AddTrackers([][]string{urls})
}

func (h *anacrolixHandle) DHTNodes() []string {
	mi := h.t.Metainfo()
	nodes := make([]string, len(mi.Nodes))
	for i, n := range mi.Nodes {
		nodes[i] = string(n)
	}
	return nodes
}

func (h *anacrolixHandle) DownloadAll() {
	if h.t.Info() != nil {
		h.t.DownloadAll()
	}
}

func (h *anacrolixHandle) Complete() bool {
	return h.t.Info() != nil && h.t.BytesMissing() == 0
}

func (h *anacrolixHandle) Drop(deleteData bool) {
	name := h.t.Name()
	h.t.Drop()
	if deleteData && name != "" {
		// Engine data lives under DataDir/<name>; removal failures are not
		// surfaced since the handle is already gone.
		_ = os.RemoveAll(filepath.Join(h.dataDir, name))
	}
}

func DefaultTrackers() []string {
	return []string{
		"udp://tracker.opentrackr.org:1337/announce",
		"udp://tracker.openbittorrent.com:6969/announce",
		"udp://open.stealth.si:80/announce",
		"udp://exodus.desync.com:6969/announce",
		"http://tracker.opentrackr.org:1337/announce",
		"http://tracker.openbittorrent.com:80/announce",
		"udp://tracker.torrent.eu.org:451/announce",
		"udp://tracker.moeking.me:6969/announce",
	}
}

var _ Engine = (*Anacrolix)(nil)
