package assets

import (
	"bufio"
	"bytes"
	"path"
	"regexp"
	"strings"
)

const (
	tagEndlist = "#EXT-X-ENDLIST"
	tagExtinf  = "#EXTINF"
)

// Validated is a variant playlist trimmed to the segments present on disk.
type Validated struct {
	Content []byte
	// Segments is the number of segments kept.
	Segments int
	// Truncated is set when a listed segment was missing.
	Truncated bool
	// Ended is set when the output carries an end-of-stream marker.
	Ended bool
}

// SegmentExists reports whether a segment name, relative to the asset
// directory, is present.
type SegmentExists func(name string) bool

// ValidatePlaylist walks a media playlist in order and keeps segments only
// while they exist. At the first missing segment it stops, so later entries
// are never served. Any end-of-stream marker in the source is dropped; a
// single one is appended when the result was truncated or the source had
// one, so the output never carries more than one.
//
// baseDir is the playlist's directory relative to the asset root; segment
// URIs are resolved against it.
func ValidatePlaylist(src []byte, baseDir string, exists SegmentExists) Validated {
	var out bytes.Buffer
	var pending []string
	var v Validated

	inSegments := false
	hadEndlist := false

	scanner := bufio.NewScanner(bytes.NewReader(src))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == tagEndlist:
			hadEndlist = true
		case strings.HasPrefix(line, "#"):
			if strings.HasPrefix(line, tagExtinf) {
				inSegments = true
			}
			if inSegments {
				// Segment tags only apply once their URI is confirmed.
				pending = append(pending, line)
			} else {
				out.WriteString(line)
				out.WriteByte('\n')
			}
		default:
			inSegments = true
			if !exists(segmentRef(baseDir, line)) {
				v.Truncated = true
			} else {
				for _, p := range pending {
					out.WriteString(p)
					out.WriteByte('\n')
				}
				out.WriteString(line)
				out.WriteByte('\n')
				v.Segments++
			}
			pending = pending[:0]
		}
		if v.Truncated {
			break
		}
	}

	if v.Truncated || hadEndlist {
		out.WriteString(tagEndlist)
		out.WriteByte('\n')
		v.Ended = true
	}
	v.Content = out.Bytes()
	return v
}

// segmentRef resolves a playlist URI to a name relative to the asset root.
// Absolute URLs are never local segments.
func segmentRef(baseDir, uri string) string {
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}
	if strings.Contains(uri, "://") {
		return ""
	}
	return path.Clean(path.Join(baseDir, uri))
}

// RefKind distinguishes what a rewritten URL points at.
type RefKind int

const (
	RefSegment RefKind = iota
	RefPlaylist
)

// Rewriter maps a name relative to the asset root to the URL a client
// should request.
type Rewriter func(kind RefKind, name string) string

var uriAttr = regexp.MustCompile(`URI="([^"]*)"`)

// RewriteMedia rewrites segment URIs of a media playlist.
func RewriteMedia(src []byte, baseDir string, rewrite Rewriter) []byte {
	return rewriteLines(src, func(line string) string {
		if strings.HasPrefix(line, "#") {
			// EXT-X-MAP init sections are fetched like segments.
			if strings.HasPrefix(line, "#EXT-X-MAP") {
				return rewriteAttr(line, baseDir, RefSegment, rewrite)
			}
			return line
		}
		return rewrite(RefSegment, segmentRef(baseDir, line))
	})
}

// RewriteMaster rewrites variant URIs and the URI attribute of alternate
// renditions in a master playlist.
func RewriteMaster(src []byte, rewrite Rewriter) []byte {
	return rewriteLines(src, func(line string) string {
		if strings.HasPrefix(line, "#") {
			if strings.HasPrefix(line, "#EXT-X-MEDIA") || strings.HasPrefix(line, "#EXT-X-I-FRAME-STREAM-INF") {
				return rewriteAttr(line, ".", RefPlaylist, rewrite)
			}
			return line
		}
		return rewrite(RefPlaylist, segmentRef(".", line))
	})
}

func rewriteAttr(line, baseDir string, kind RefKind, rewrite Rewriter) string {
	return uriAttr.ReplaceAllStringFunc(line, func(m string) string {
		uri := uriAttr.FindStringSubmatch(m)[1]
		return `URI="` + rewrite(kind, segmentRef(baseDir, uri)) + `"`
	})
}

func rewriteLines(src []byte, fn func(string) string) []byte {
	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(src))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		out.WriteString(fn(line))
		out.WriteByte('\n')
	}
	return out.Bytes()
}

// firstURI returns the first URI line of a playlist.
func firstURI(src []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(src))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			return line
		}
	}
	return ""
}
