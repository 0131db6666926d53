package gateway

import (
	"encoding/json"

	"seedgate/internal/domain"
)

// request is the envelope every client operation arrives in. ID is echoed
// back so the client can correlate the acknowledgment.
type request struct {
	Op      string          `json:"op"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// response is the acknowledgment envelope. Exactly one of the payload fields
// is populated depending on the op.
type response struct {
	ID       string `json:"id,omitempty"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	InfoHash string `json:"info_hash,omitempty"`

	Torrents []domain.TorrentRecord `json:"torrents,omitempty"`
	Torrent  *domain.TorrentRecord  `json:"torrent,omitempty"`
	Peers    []domain.Peer          `json:"peers,omitempty"`
	Files    []domain.FileInfo      `json:"files,omitempty"`
	Metadata *domain.Metadata       `json:"metadata,omitempty"`
}

// push is an asynchronous frame carrying one broadcast alert. Pushes have no
// ID; clients tell them apart from acknowledgments by the op field.
type push struct {
	Op    string       `json:"op"`
	Alert domain.Alert `json:"alert"`
}

type infoHashPayload struct {
	InfoHash string `json:"info_hash"`
}

type removePayload struct {
	InfoHash   string `json:"info_hash"`
	RemoveData bool   `json:"remove_data"`
}

type addMagnetPayload struct {
	Action    string `json:"action"`
	MagnetURI string `json:"magnet_uri,omitempty"`
	SavePath  string `json:"save_path,omitempty"`
	InfoHash  string `json:"info_hash,omitempty"`
}

type addFilePayload struct {
	File []byte `json:"file"`
}

type broadcastPayload struct {
	Event string `json:"event"`
}

type trackerPayload struct {
	InfoHash string `json:"info_hash"`
	URL      string `json:"url"`
}

func errorResponse(id, message string) response {
	return response{ID: id, Status: "error", Message: message}
}
