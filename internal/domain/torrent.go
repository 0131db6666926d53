package domain

type TorrentState string

const (
	StateDownloading TorrentState = "downloading"
	StatePaused      TorrentState = "paused"
	StateSeeding     TorrentState = "seeding"
	StateError       TorrentState = "error"
)

// TorrentRecord is the canonical representation of one torrent, keyed by its
// 40-hex-character info hash. Name stays empty until the worker reports
// metadata resolution.
type TorrentRecord struct {
	InfoHash   string       `json:"info_hash"`
	Name       string       `json:"name"`
	State      TorrentState `json:"state"`
	Paused     bool         `json:"paused"`
	Progress   float64      `json:"progress"`
	TotalSize  int64        `json:"total_size"`
	Downloaded int64        `json:"downloaded"`
	Uploaded   int64        `json:"uploaded"`

	DownloadRate    int64 `json:"download_rate"`
	UploadRate      int64 `json:"upload_rate"`
	AvgDownloadRate int64 `json:"average_download_rate"`
	AvgUploadRate   int64 `json:"average_upload_rate"`

	NumPeers int `json:"num_peers"`
	NumSeeds int `json:"num_seeds"`
	Leeches  int `json:"num_leeches"`

	SavePath     string        `json:"save_path"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Files        []FileInfo    `json:"files"`
	Peers        []Peer        `json:"peers,omitempty"`
	Trackers     []TrackerInfo `json:"trackers,omitempty"`
	Nodes        []DHTNode     `json:"nodes,omitempty"`
}

// Clone returns a deep copy so callers can never reach back into shared state.
func (r TorrentRecord) Clone() TorrentRecord {
	out := r
	out.Files = append([]FileInfo(nil), r.Files...)
	out.Peers = append([]Peer(nil), r.Peers...)
	out.Trackers = append([]TrackerInfo(nil), r.Trackers...)
	out.Nodes = append([]DHTNode(nil), r.Nodes...)
	return out
}

// PeerKind classifies a connected peer by how much of the torrent it holds.
type PeerKind string

const (
	PeerSeeder  PeerKind = "seeder"
	PeerLeecher PeerKind = "leecher"
	PeerUnknown PeerKind = "unknown"
)

type Peer struct {
	Addr           string   `json:"ip"`
	Client         string   `json:"client"`
	ConnectionType string   `json:"connection_type"`
	Flags          string   `json:"flags"`
	Kind           PeerKind `json:"kind"`
	Progress       float64  `json:"progress"`
	DownloadRate   int64    `json:"download_rate"`
	UploadRate     int64    `json:"upload_rate"`
	Downloaded     int64    `json:"downloaded"`
	Uploaded       int64    `json:"uploaded"`
}

type FileInfo struct {
	Name       string  `json:"name"`
	Path       string  `json:"path"`
	Length     int64   `json:"length"`
	Downloaded int64   `json:"downloaded"`
	Progress   float64 `json:"progress"`
}

type TrackerInfo struct {
	URL     string `json:"url"`
	Tier    int    `json:"tier"`
	Status  string `json:"status"`
	Peers   int    `json:"peers"`
	Seeds   int    `json:"seeds"`
	Leeches int    `json:"leeches"`
	Message string `json:"message,omitempty"`
}

type DHTNode struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Metadata is the point-in-time answer to a fetch_metadata request, before a
// pending magnet is committed into the torrent table.
type Metadata struct {
	InfoHash  string     `json:"info_hash"`
	Name      string     `json:"name"`
	SavePath  string     `json:"save_path"`
	TotalSize int64      `json:"size"`
	Files     []FileInfo `json:"files"`
}
