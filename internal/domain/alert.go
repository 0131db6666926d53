package domain

// AlertKind enumerates every broadcast alert the daemon can emit. The set is
// closed: consumers switch over it exhaustively and treat anything else as a
// forward-compatible no-op.
type AlertKind string

const (
	AlertAddTorrent   AlertKind = "add_torrent"
	AlertStateUpdate  AlertKind = "state_update"
	AlertPaused       AlertKind = "synthetic:paused"
	AlertResumed      AlertKind = "synthetic:resumed"
	AlertRemoved      AlertKind = "synthetic:removed"
	AlertTrackerError AlertKind = "tracker_error"
	AlertDHTStats     AlertKind = "dht_stats"
)

// Alert is one ephemeral broadcast event. Alerts are never persisted; a client
// that misses one re-synchronizes from the next get_all or state_update flush.
type Alert struct {
	Kind     AlertKind      `json:"type"`
	InfoHash string         `json:"info_hash,omitempty"`
	Message  string         `json:"message,omitempty"`
	Statuses []StatusUpdate `json:"statuses,omitempty"`

	// Tracker/DHT diagnostics.
	TrackerURL string `json:"url,omitempty"`
	NumNodes   int    `json:"num_nodes,omitempty"`
}

// StatusUpdate is one entry of a state_update batch.
type StatusUpdate struct {
	InfoHash     string       `json:"info_hash"`
	Name         string       `json:"name"`
	State        TorrentState `json:"state"`
	Progress     float64      `json:"progress"`
	DownloadRate int64        `json:"download_rate"`
	UploadRate   int64        `json:"upload_rate"`
	NumPeers     int          `json:"num_peers"`
	NumSeeds     int          `json:"num_seeds"`
	TotalSize    int64        `json:"total_size"`
}
