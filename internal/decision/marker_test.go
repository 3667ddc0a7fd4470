package decision

import (
	"reflect"
	"testing"
)

func TestParseMarkers(t *testing.T) {
	text := `Starting on the task now.
CHECKPOINT: scaffolded the handler
Some explanation in between.
LEARN: the router rejects duplicate paths
NEXT: wire up the middleware
BLOCKED: need credentials for staging
DONE
`
	got := ParseMarkers(text)
	want := []Marker{
		{Kind: MarkerCheckpoint, Text: "scaffolded the handler"},
		{Kind: MarkerLearn, Text: "the router rejects duplicate paths"},
		{Kind: MarkerNext, Text: "wire up the middleware"},
		{Kind: MarkerBlocked, Text: "need credentials for staging"},
		{Kind: MarkerDone},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseMarkers = %#v, want %#v", got, want)
	}
}

func TestParseMarkersIgnoresProse(t *testing.T) {
	if got := ParseMarkers("just prose\nno markers here\ndone (lowercase is prose)\n"); got != nil {
		t.Fatalf("expected no markers, got %#v", got)
	}
}

func TestParseMarkersTrimsIndentation(t *testing.T) {
	got := ParseMarkers("  CHECKPOINT: indented still counts\n")
	if len(got) != 1 || got[0].Text != "indented still counts" {
		t.Fatalf("unexpected markers %#v", got)
	}
}
