package models

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	episodePattern = regexp.MustCompile(`(?i)\bs(\d{1,2})[ ._-]?e(\d{1,3})\b|\b(\d{1,2})x(\d{2,3})\b`)
	yearPattern    = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
	// Release tags that end the title portion of a scene-style file name.
	qualityPattern = regexp.MustCompile(`(?i)\b(2160p|1080p|1080i|720p|576p|480p|4k|uhd|hdr|bluray|blu-ray|bdrip|brrip|web-?dl|webrip|hdtv|dvdrip|remux|x264|x265|h264|h265|hevc|xvid|proper|repack)\b`)
	separators     = strings.NewReplacer(".", " ", "_", " ", "-", " ", "[", " ", "]", " ", "(", " ", ")", " ")
)

// NormalizeTitle folds a title to a comparable form: diacritics removed,
// lower case, punctuation dropped, whitespace collapsed.
func NormalizeTitle(title string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, title)
	if err != nil {
		folded = title
	}

	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case r == '\'':
			// "Schitt's" and "Schitts" compare equal.
		default:
			space = true
		}
	}
	return b.String()
}

// BuildTitleKey builds the reconciliation key for a title. Episodes key on
// season and episode, films on year when known.
func BuildTitleKey(title string, season, episode *int, year int) string {
	base := NormalizeTitle(title)
	switch {
	case season != nil && episode != nil:
		return fmt.Sprintf("%s|s%02de%02d", base, *season, *episode)
	case year > 0:
		return fmt.Sprintf("%s|%d", base, year)
	default:
		return base
	}
}

// ParseTitleKey derives a reconciliation key from a source file path.
func ParseTitleKey(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))

	if loc := episodePattern.FindStringSubmatchIndex(name); loc != nil {
		m := episodePattern.FindStringSubmatch(name)
		s, e := m[1], m[2]
		if s == "" {
			s, e = m[3], m[4]
		}
		season, _ := strconv.Atoi(s)
		episode, _ := strconv.Atoi(e)
		title := separators.Replace(name[:loc[0]])
		return BuildTitleKey(title, &season, &episode, 0)
	}

	spaced := separators.Replace(name)
	if loc := yearPattern.FindStringIndex(spaced); loc != nil && loc[0] > 0 {
		year, _ := strconv.Atoi(spaced[loc[0]:loc[1]])
		return BuildTitleKey(spaced[:loc[0]], nil, nil, year)
	}
	if loc := qualityPattern.FindStringIndex(spaced); loc != nil && loc[0] > 0 {
		spaced = spaced[:loc[0]]
	}
	return BuildTitleKey(spaced, nil, nil, 0)
}
