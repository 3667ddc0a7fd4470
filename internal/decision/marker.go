package decision

import (
	"bufio"
	"strings"
)

// MarkerKind tags one variant of implementer signal.
type MarkerKind string

const (
	MarkerCheckpoint MarkerKind = "checkpoint"
	MarkerLearn      MarkerKind = "learn"
	MarkerNext       MarkerKind = "next"
	MarkerDone       MarkerKind = "done"
	MarkerBlocked    MarkerKind = "blocked"
)

// Marker is a structured signal an implementer emits inline in its output.
// Done carries no text; Checkpoint, Learn, Next and Blocked carry the rest of
// the line.
type Marker struct {
	Kind MarkerKind
	Text string
}

// markerPrefixes maps the line prefix to its variant. One table, one scan;
// adding a marker family means adding a row here.
var markerPrefixes = []struct {
	prefix string
	kind   MarkerKind
}{
	{"CHECKPOINT:", MarkerCheckpoint},
	{"LEARN:", MarkerLearn},
	{"NEXT:", MarkerNext},
	{"BLOCKED:", MarkerBlocked},
}

// ParseMarkers extracts implementer signals from free-form output, one line
// at a time. Lines that are exactly "DONE" mark completion; everything that
// does not start with a known marker prefix is prose and ignored.
func ParseMarkers(text string) []Marker {
	var markers []Marker
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 64*1024), 64*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "DONE" {
			markers = append(markers, Marker{Kind: MarkerDone})
			continue
		}
		for _, p := range markerPrefixes {
			if rest, ok := strings.CutPrefix(line, p.prefix); ok {
				markers = append(markers, Marker{Kind: p.kind, Text: strings.TrimSpace(rest)})
				break
			}
		}
	}
	return markers
}
