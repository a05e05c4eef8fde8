// SPDX-License-Identifier: MIT

// Package torrent drives the download client the pipeline fetches
// releases with.
package torrent

import (
	"context"
	"net/url"
	"strings"

	"github.com/pipearr/pipearr/internal/pipeline/model"
)

// AddRequest describes one release to hand to the download client.
type AddRequest struct {
	// URL is a magnet URI or a .torrent download link.
	URL string
	// InfoHash is the expected hash when the indexer supplied one.
	InfoHash string
	// Name is the release name, used to locate the torrent when no
	// hash is known up front.
	Name     string
	Category string
	SavePath string
}

// Added identifies the torrent the client now tracks.
type Added struct {
	InfoHash string
	Name     string
}

// TorrentStatus is the client's view of one torrent.
type TorrentStatus struct {
	InfoHash    string
	Name        string
	State       string
	Progress    float64
	Complete    bool
	SavePath    string
	ContentPath string
	AddedAt     int64
	CompletedAt int64
}

// Client is the download surface the pipeline depends on.
type Client interface {
	Add(ctx context.Context, req AddRequest) (*Added, error)
	// Status returns nil, nil for a hash the client does not know.
	Status(ctx context.Context, infoHash string) (*TorrentStatus, error)
	List(ctx context.Context) ([]TorrentStatus, error)
	// Files lists the torrent's content with absolute paths.
	Files(ctx context.Context, infoHash string) ([]model.MediaFile, error)
	Remove(ctx context.Context, infoHash string, deleteData bool) error
}

// ParseMagnetInfoHash extracts the btih hash from a magnet URI,
// lowercased. Empty for anything else.
func ParseMagnetInfoHash(raw string) string {
	if !strings.HasPrefix(strings.ToLower(raw), "magnet:") {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	for _, xt := range u.Query()["xt"] {
		const prefix = "urn:btih:"
		if strings.HasPrefix(strings.ToLower(xt), prefix) {
			return strings.ToLower(xt[len(prefix):])
		}
	}
	return ""
}
