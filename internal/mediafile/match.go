// SPDX-License-Identifier: MIT

package mediafile

import (
	"regexp"
	"strconv"
	"strings"
)

// Marker is one episode reference found in a release or file name. A
// multi-episode span (S01E01E02, S01E01-03) keeps its full range.
type Marker struct {
	Season     int
	Episode    int
	EpisodeEnd int
}

// Spans reports whether the marker covers the given episode.
func (m Marker) Spans(season, episode int) bool {
	if m.Season != season {
		return false
	}
	end := m.EpisodeEnd
	if end < m.Episode {
		end = m.Episode
	}
	return episode >= m.Episode && episode <= end
}

// sxxeyy tolerates the separators seen in the wild between the season
// and episode parts, plus an optional span tail.
var sxxeyy = regexp.MustCompile(`(?i)\bs(\d{1,2})[\s._-]*e(\d{1,3})(?:[\s._-]*[-e](\d{1,3}))?`)

// crossEpisode matches the 1x02 convention.
var crossEpisode = regexp.MustCompile(`(?i)\b(\d{1,2})x(\d{2,3})\b`)

// seasonOnly matches a bare season reference with no episode part.
var seasonOnly = regexp.MustCompile(`(?i)\b(?:s(\d{1,2})|season[\s._-]*(\d{1,2}))\b`)

// ParseMarkers extracts every episode marker from a name. Underscores
// are folded to dots first: they count as word characters, so a \b
// anchor would miss markers in names like Show_S01_E02.
func ParseMarkers(name string) []Marker {
	name = strings.ReplaceAll(name, "_", ".")
	var out []Marker
	for _, m := range sxxeyy.FindAllStringSubmatch(name, -1) {
		marker := Marker{
			Season:  atoi(m[1]),
			Episode: atoi(m[2]),
		}
		if m[3] != "" {
			marker.EpisodeEnd = atoi(m[3])
		}
		out = append(out, marker)
	}
	for _, m := range crossEpisode.FindAllStringSubmatch(name, -1) {
		out = append(out, Marker{Season: atoi(m[1]), Episode: atoi(m[2])})
	}
	return out
}

// MatchesEpisode reports whether the name references the episode.
func MatchesEpisode(name string, season, episode int) bool {
	for _, m := range ParseMarkers(name) {
		if m.Spans(season, episode) {
			return true
		}
	}
	return false
}

// HasSeasonMarker reports whether the name references the season at
// all, with or without an episode part.
func HasSeasonMarker(name string, season int) bool {
	for _, m := range ParseMarkers(name) {
		if m.Season == season {
			return true
		}
	}
	for _, m := range seasonOnly.FindAllStringSubmatch(strings.ReplaceAll(name, "_", "."), -1) {
		if atoi(m[1]) == season || atoi(m[2]) == season {
			return true
		}
	}
	return false
}

// ReleaseKind classifies what a release name covers.
type ReleaseKind int

const (
	// KindUnknown is a release that is neither a clean single episode
	// nor a recognizable season pack.
	KindUnknown ReleaseKind = iota
	// KindEpisode carries exactly one episode.
	KindEpisode
	// KindSeasonPack carries a whole season.
	KindSeasonPack
)

// seasonPackMarkerCount is the marker count from which a release is
// assumed to enumerate a full season in its name.
const seasonPackMarkerCount = 5

// Classify decides whether a release name is a single episode or a
// season pack for the given season. A season reference without episode
// markers is a pack; five or more distinct markers enumerate one.
func Classify(name string, season int) ReleaseKind {
	markers := ParseMarkers(name)
	inSeason := 0
	for _, m := range markers {
		if m.Season == season {
			inSeason++
		}
	}
	switch {
	case len(markers) == 0 && HasSeasonMarker(name, season):
		return KindSeasonPack
	case inSeason >= seasonPackMarkerCount:
		return KindSeasonPack
	case len(markers) == 1 && inSeason == 1 && markers[0].EpisodeEnd == 0:
		return KindEpisode
	default:
		return KindUnknown
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// noiseWords are release-name tokens that say nothing about identity.
// They are dropped before names are compared.
var noiseWords = map[string]struct{}{
	"2160p": {}, "1080p": {}, "720p": {}, "576p": {}, "480p": {},
	"x264": {}, "x265": {}, "h264": {}, "h265": {}, "hevc": {}, "avc": {},
	"bluray": {}, "blu": {}, "ray": {}, "brrip": {}, "bdrip": {},
	"webrip": {}, "webdl": {}, "web": {}, "dl": {}, "hdtv": {}, "dvdrip": {},
	"remux": {}, "uhd": {}, "hdr": {}, "hdr10": {}, "dv": {}, "sdr": {},
	"aac": {}, "ac3": {}, "dts": {}, "ddp": {}, "eac3": {}, "atmos": {},
	"truehd": {}, "flac": {}, "opus": {},
	"proper": {}, "repack": {}, "internal": {}, "limited": {},
	"extended": {}, "uncut": {}, "remastered": {}, "complete": {},
	"multi": {}, "dual": {}, "subbed": {}, "dubbed": {},
	"the": {}, "and": {}, "of": {},
}

var separatorRun = regexp.MustCompile(`[\s._\-\[\]()+]+`)

var nonWord = regexp.MustCompile(`[^a-z0-9 ]+`)

// Normalize lowercases a name and flattens release punctuation to
// single spaces.
func Normalize(name string) string {
	s := strings.ToLower(name)
	s = separatorRun.ReplaceAllString(s, " ")
	s = nonWord.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// minSignificantLen is the shortest word that still identifies
// anything.
const minSignificantLen = 3

// SignificantWords returns the identity-bearing words of a name:
// normalized, noise dropped, short words dropped.
func SignificantWords(name string) []string {
	var out []string
	for _, w := range strings.Fields(Normalize(name)) {
		if len(w) < minSignificantLen {
			continue
		}
		if _, noisy := noiseWords[w]; noisy {
			continue
		}
		out = append(out, w)
	}
	return out
}

// Overlap is the fraction of expected words present in candidate.
// An empty expectation never matches.
func Overlap(expected, candidate []string) float64 {
	if len(expected) == 0 {
		return 0
	}
	have := make(map[string]struct{}, len(candidate))
	for _, w := range candidate {
		have[w] = struct{}{}
	}
	hits := 0
	for _, w := range expected {
		if _, ok := have[w]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(expected))
}

// NameMatches compares two release or torrent names by significant
// word overlap against a 0..1 threshold.
func NameMatches(expected, candidate string, threshold float64) bool {
	return Overlap(SignificantWords(expected), SignificantWords(candidate)) >= threshold
}
