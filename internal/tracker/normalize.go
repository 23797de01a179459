package tracker

import (
	"regexp"
	"strings"
)

// Normalization regexes compiled once at package init.
var (
	reEdition    = regexp.MustCompile(`\s*[(\[][^)\]]*[)\]]`)
	rePunct      = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	reWhitespace = regexp.MustCompile(`\s+`)
	reLeadingThe = regexp.MustCompile(`^the\s+`)
)

// Normalize reduces an artist or album name to a comparison key: lowercase,
// edition/remaster suffixes and punctuation stripped, whitespace collapsed,
// leading "the" dropped. Every matching and duplicate-detection path uses
// this one function so they cannot diverge.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = reEdition.ReplaceAllString(s, " ")
	s = rePunct.ReplaceAllString(s, " ")
	s = reWhitespace.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	return reLeadingThe.ReplaceAllString(s, "")
}

// NormalizedSubject builds the normalized "artist - title" key stored on
// every job and used for exact duplicate matching.
func NormalizedSubject(artistName, albumTitle string) string {
	return Normalize(artistName) + " - " + Normalize(albumTitle)
}

// Subject builds the human-readable job label.
func Subject(artistName, albumTitle string) string {
	return artistName + " – " + albumTitle
}

// ParseSubject splits a job subject back into artist and title. Falls back
// to a plain hyphen for subjects written by other systems.
func ParseSubject(subject string) (artistName, albumTitle string) {
	for _, sep := range []string{" – ", " - "} {
		if i := strings.Index(subject, sep); i >= 0 {
			return strings.TrimSpace(subject[:i]), strings.TrimSpace(subject[i+len(sep):])
		}
	}
	return strings.TrimSpace(subject), ""
}
