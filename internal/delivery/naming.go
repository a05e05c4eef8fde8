// SPDX-License-Identifier: MIT

package delivery

import (
	"fmt"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// illegalNameChars are stripped from titles before they become path
// segments.
var illegalNameChars = strings.NewReplacer(
	"<", "", ">", "", ":", "", `"`, "", "/", "", `\`, "", "|", "", "?", "", "*", "",
)

// SanitizeName makes a title safe as a single path segment. The result
// is NFC-normalized with illegal filename characters and trailing dots
// and spaces removed.
func SanitizeName(name string) string {
	name = norm.NFC.String(name)
	name = illegalNameChars.Replace(name)
	name = strings.Map(func(r rune) rune {
		if r < 0x20 {
			return -1
		}
		return r
	}, name)
	name = strings.Join(strings.Fields(name), " ")
	name = strings.TrimRight(name, ". ")
	if name == "" {
		return "untitled"
	}
	return name
}

// MoviePath builds the destination path for a movie file:
//
//	<root>/movies/<Title> (<Year>)/<Title> (<Year>) - <resolution>.mkv
func MoviePath(root, title string, year int, resolution string) string {
	base := fmt.Sprintf("%s (%d)", SanitizeName(title), year)
	return path.Join(root, "movies", base, base+fileSuffix(resolution))
}

// EpisodePath builds the destination path for an episode file:
//
//	<root>/tv/<Show> (<Year>)/Season <NN>/<Show> (<Year>) - SxxEyy - <resolution>.mkv
func EpisodePath(root, show string, year, season, episode int, resolution string) string {
	base := fmt.Sprintf("%s (%d)", SanitizeName(show), year)
	name := fmt.Sprintf("%s - S%02dE%02d", base, season, episode)
	return path.Join(root, "tv", base, fmt.Sprintf("Season %02d", season), name+fileSuffix(resolution))
}

func fileSuffix(resolution string) string {
	if resolution == "" {
		return ".mkv"
	}
	return fmt.Sprintf(" - %s.mkv", resolution)
}
