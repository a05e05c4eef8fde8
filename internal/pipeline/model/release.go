// SPDX-License-Identifier: MIT

package model

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Release is one indexer search result after normalization.
type Release struct {
	Title       string    `json:"title"`
	Indexer     string    `json:"indexer,omitempty"`
	InfoHash    string    `json:"infoHash,omitempty"`
	DownloadURL string    `json:"downloadUrl,omitempty"`
	MagnetURI   string    `json:"magnetUri,omitempty"`
	SizeBytes   int64     `json:"sizeBytes"`
	Seeders     int       `json:"seeders"`
	Leechers    int       `json:"leechers,omitempty"`
	Resolution  int       `json:"resolution,omitempty"`
	Source      string    `json:"source,omitempty"`
	Codec       string    `json:"codec,omitempty"`
	PublishedAt time.Time `json:"publishedAt,omitempty"`
}

// ParseSize converts a human-readable size string such as "1.5 GB" or
// "1,024 KB" to bytes. Units are binary multiples regardless of their
// spelling, thousands separators are ignored, and anything unparseable
// yields 0.
func ParseSize(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	i := 0
	for i < len(s) {
		c := s[i]
		if (c < '0' || c > '9') && c != '.' && c != ',' {
			break
		}
		i++
	}
	num := strings.ReplaceAll(s[:i], ",", "")
	if num == "" {
		return 0
	}
	f, err := strconv.ParseFloat(num, 64)
	if err != nil || f < 0 {
		return 0
	}
	var mult float64
	switch strings.ToUpper(strings.TrimSpace(s[i:])) {
	case "", "B":
		mult = 1
	case "K", "KB", "KIB":
		mult = 1 << 10
	case "M", "MB", "MIB":
		mult = 1 << 20
	case "G", "GB", "GIB":
		mult = 1 << 30
	case "T", "TB", "TIB":
		mult = 1 << 40
	default:
		return 0
	}
	return int64(f * mult)
}

var resolutionRe = regexp.MustCompile(`(?i)\b(2160|1080|720|576|480)[pi]\b`)

// ParseResolution extracts the vertical resolution from a release
// title. "4K" and "UHD" markers map to 2160. Unknown titles yield 0.
func ParseResolution(title string) int {
	if m := resolutionRe.FindStringSubmatch(title); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	upper := strings.ToUpper(title)
	if strings.Contains(upper, "2160") || strings.Contains(upper, "4K") || strings.Contains(upper, "UHD") {
		return 2160
	}
	return 0
}

// ResolutionLabel renders a resolution as the conventional "1080p"
// style marker used in delivery file names. Zero yields "unknown".
func ResolutionLabel(res int) string {
	if res <= 0 {
		return "unknown"
	}
	return strconv.Itoa(res) + "p"
}
