// Package magnet derives the canonical 40-hex info hash from either a magnet
// URI or raw .torrent file bytes.
package magnet

import (
	"bytes"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/anacrolix/torrent/metainfo"

	"seedgate/internal/domain"
)

// InfoHashFromMagnet extracts the btih hash from a magnet URI, decoding the
// base32 form to hex when necessary. The result is always lowercase 40-hex.
func InfoHashFromMagnet(uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if parsed.Scheme != "magnet" {
		return "", fmt.Errorf("%w: not a magnet URI", domain.ErrInvalidInput)
	}
	values, err := url.ParseQuery(parsed.RawQuery)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	for _, xt := range values["xt"] {
		if !strings.HasPrefix(strings.ToLower(xt), "urn:btih:") {
			continue
		}
		hash := strings.TrimSpace(xt[len("urn:btih:"):])
		if len(hash) == 0 {
			continue
		}
		if len(hash) == 40 {
			if _, err := hex.DecodeString(hash); err == nil {
				return strings.ToLower(hash), nil
			}
		}

		encoding := base32.StdEncoding.WithPadding(base32.NoPadding)
		base32Value := strings.TrimRight(strings.ToUpper(hash), "=")
		decoded, err := encoding.DecodeString(base32Value)
		if err != nil || len(decoded) != 20 {
			continue
		}
		return hex.EncodeToString(decoded), nil
	}

	return "", fmt.Errorf("%w: btih magnet xt not present", domain.ErrInvalidInput)
}

// InfoHashFromTorrent computes the info-dictionary hash of a bencoded .torrent
// buffer.
func InfoHashFromTorrent(data []byte) (string, error) {
	mi, err := metainfo.Load(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return strings.ToLower(mi.HashInfoBytes().HexString()), nil
}

// InfoHashFromSource accepts either a magnet URI string or torrent file bytes.
func InfoHashFromSource(magnetURI string, torrentBytes []byte) (string, error) {
	if magnetURI != "" {
		return InfoHashFromMagnet(magnetURI)
	}
	if len(torrentBytes) > 0 {
		return InfoHashFromTorrent(torrentBytes)
	}
	return "", fmt.Errorf("%w: empty source", domain.ErrInvalidInput)
}
