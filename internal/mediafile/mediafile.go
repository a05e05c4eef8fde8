// SPDX-License-Identifier: MIT

// Package mediafile picks the files worth keeping out of a finished
// download: the main video of a movie, the right file for an episode,
// the RAR volume to extract first.
package mediafile

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pipearr/pipearr/internal/pipeline/model"
)

// MinMainVideoSize is the floor below which a video cannot be the main
// feature. Keeps NFO-sized stubs and tiny extras out of the running.
const MinMainVideoSize = 100 << 20

var videoExtensions = map[string]struct{}{
	".mkv":  {},
	".mp4":  {},
	".m4v":  {},
	".avi":  {},
	".mov":  {},
	".wmv":  {},
	".ts":   {},
	".m2ts": {},
	".webm": {},
}

// IsVideo reports whether the path has a known video extension.
func IsVideo(path string) bool {
	_, ok := videoExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

var sampleToken = regexp.MustCompile(`(?i)(?:^|[\s._(\[-])sample(?:$|[\s._)\]-])`)

// IsSample reports whether the path looks like a sample clip. Both a
// "sample" token in the file name and a sample directory anywhere in
// the path count.
func IsSample(path string) bool {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if sampleToken.MatchString(base) {
		return true
	}
	dir := filepath.Dir(path)
	for _, part := range strings.Split(filepath.ToSlash(dir), "/") {
		switch strings.ToLower(part) {
		case "sample", "samples":
			return true
		}
	}
	return false
}

// MainVideo returns the largest non-sample video of at least
// MinMainVideoSize.
func MainVideo(files []model.MediaFile) (model.MediaFile, bool) {
	var best model.MediaFile
	var found bool
	for _, f := range files {
		if !IsVideo(f.Path) || IsSample(f.Path) || f.Size < MinMainVideoSize {
			continue
		}
		if !found || f.Size > best.Size {
			best = f
			found = true
		}
	}
	return best, found
}

// EpisodeFile returns the file carrying the given episode: the largest
// non-sample video whose name matches the episode marker.
func EpisodeFile(files []model.MediaFile, season, episode int) (model.MediaFile, bool) {
	var best model.MediaFile
	var found bool
	for _, f := range files {
		if !IsVideo(f.Path) || IsSample(f.Path) {
			continue
		}
		if !MatchesEpisode(filepath.Base(f.Path), season, episode) {
			continue
		}
		if !found || f.Size > best.Size {
			best = f
			found = true
		}
	}
	return best, found
}

// MapEpisodes resolves each requested episode of a season pack to its
// file. Episodes without a candidate are absent from the result.
func MapEpisodes(files []model.MediaFile, season int, episodes []int) map[int]model.MediaFile {
	out := make(map[int]model.MediaFile, len(episodes))
	for _, ep := range episodes {
		if f, ok := EpisodeFile(files, season, ep); ok {
			out[ep] = f
		}
	}
	return out
}

// rarVolume matches classic split volumes (.r00, .r01, ...) next to the
// leading .rar.
var rarVolume = regexp.MustCompile(`(?i)\.r\d{2}$`)

// partVolume captures the volume number of .partNN.rar naming.
var partVolume = regexp.MustCompile(`(?i)\.part(\d+)\.rar$`)

// IsRAR reports whether the path belongs to a RAR archive set.
func IsRAR(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".rar") || rarVolume.MatchString(lower)
}

// FirstRARVolume returns the archive file extraction should start from:
// .part1.rar (or .part01.rar) when present, else a plain .rar. Later
// volumes never qualify, unrar finds them on its own.
func FirstRARVolume(paths []string) (string, bool) {
	var plain []string
	for _, p := range paths {
		lower := strings.ToLower(p)
		if m := partVolume.FindStringSubmatch(lower); m != nil {
			if strings.TrimLeft(m[1], "0") == "1" {
				return p, true
			}
			continue
		}
		if strings.HasSuffix(lower, ".rar") {
			plain = append(plain, p)
		}
	}
	if len(plain) == 0 {
		return "", false
	}
	sort.Strings(plain)
	return plain[0], true
}
