// Package engine is the boundary to the external torrent engine. Only the
// worker package consumes it; everything above the worker sees records and
// messages, never engine handles.
package engine

// Source is what a torrent is started from: exactly one of MagnetURI or
// TorrentBytes is set.
type Source struct {
	MagnetURI    string
	TorrentBytes []byte
}

// Stats is the transfer snapshot read on each progress tick.
type Stats struct {
	BytesCompleted   int64
	BytesMissing     int64
	BytesUploaded    int64
	TotalPeers       int
	ActivePeers      int
	ConnectedSeeders int
	HalfOpenPeers    int
}

// PeerStat describes one connected peer as the engine sees it.
type PeerStat struct {
	Addr         string
	Network      string
	Client       string
	PiecesHeld   int
	DownloadRate float64
}

type FileStat struct {
	Name           string
	Path           string
	Length         int64
	BytesCompleted int64
}

// Handle is one active torrent inside the engine. Dropping a handle releases
// transfer resources; downloaded data survives unless deleteData is set.
type Handle interface {
	GotMetadata() <-chan struct{}
	Name() string
	Length() int64
	NumPieces() int
	Files() []FileStat
	Stats() Stats
	Peers() []PeerStat
	AnnounceList() [][]string
	// AddTrackers appends announce URLs as a new tier. The engine offers no
	// way to remove or rename announce entries on a live torrent.
	AddTrackers(urls []string)
	DHTNodes() []string
	DownloadAll()
	Complete() bool
	Drop(deleteData bool)
}

type Engine interface {
	Add(src Source) (Handle, error)
	// NumDHTNodes reports the size of the engine's DHT routing table, zero
	// when DHT is unavailable.
	NumDHTNodes() int
	Close()
}
