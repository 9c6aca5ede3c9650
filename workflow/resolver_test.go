package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/bugvault/bugvault/stage"
)

// fakeLister serves canned common-prefix listings keyed by the requested
// prefix.
type fakeLister struct {
	prefixes map[string][]string
	err      error
}

func (f *fakeLister) ListCommonPrefixes(_ context.Context, prefix string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.prefixes[prefix], nil
}

func testCatalog(t *testing.T) *stage.Catalog {
	t.Helper()
	c, err := stage.NewCatalog([]stage.Stage{
		{Code: "02", PathPrefix: "02_evidence", InFlightMarker: "incoming", DownloadEligible: true},
		{Code: "04", PathPrefix: "04_shipped", InFlightMarker: "incoming", DownloadEligible: false},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return c
}

// TestResolveStates_ClassifiesSettledAndInFlight verifies the basic
// settled/in-flight split and the advisory message.
func TestResolveStates_ClassifiesSettledAndInFlight(t *testing.T) {
	store := &fakeLister{prefixes: map[string][]string{
		"proj/02_evidence/": {
			"proj/02_evidence/BUG-1/",
			"proj/02_evidence/incoming/",
		},
		"proj/02_evidence/incoming/": {
			"proj/02_evidence/incoming/BUG-2/",
		},
		"proj/04_shipped/":          {},
		"proj/04_shipped/incoming/": {},
	}}

	r := NewResolver(store, testCatalog(t), "proj")
	states, err := r.ResolveStates(context.Background())
	if err != nil {
		t.Fatalf("ResolveStates: %v", err)
	}

	got := states["02"]
	if len(got) != 2 {
		t.Fatalf("stage 02: got %d folders, want 2", len(got))
	}
	if got[0].BugNo != "BUG-1" || got[0].Message != "" {
		t.Errorf("settled folder wrong: %+v", got[0])
	}
	if got[1].BugNo != "BUG-2" || got[1].Message != InFlightMessage {
		t.Errorf("in-flight folder wrong: %+v", got[1])
	}

	if len(states["04"]) != 0 {
		t.Errorf("stage 04 should be empty, got %+v", states["04"])
	}
}

// TestResolveStates_NeverDoubleCounts verifies that a bug folder present in
// both listings is reported once, as settled.
func TestResolveStates_NeverDoubleCounts(t *testing.T) {
	store := &fakeLister{prefixes: map[string][]string{
		"proj/02_evidence/": {
			"proj/02_evidence/BUG-7/",
			"proj/02_evidence/incoming/",
		},
		"proj/02_evidence/incoming/": {
			"proj/02_evidence/incoming/BUG-7/",
		},
	}}

	r := NewResolver(store, testCatalog(t), "proj")
	states, err := r.ResolveStates(context.Background())
	if err != nil {
		t.Fatalf("ResolveStates: %v", err)
	}

	got := states["02"]
	if len(got) != 1 {
		t.Fatalf("BUG-7 double-counted: %+v", got)
	}
	if got[0].Message != "" {
		t.Errorf("settled listing must take precedence, got message %q", got[0].Message)
	}
}

// TestResolveDownloadEligible_RestrictsToEligibleStages verifies only
// eligible stages appear and only in-flight folders are returned.
func TestResolveDownloadEligible_RestrictsToEligibleStages(t *testing.T) {
	store := &fakeLister{prefixes: map[string][]string{
		"proj/02_evidence/incoming/": {
			"proj/02_evidence/incoming/BUG-1/",
			"proj/02_evidence/incoming/BUG-2/",
		},
		"proj/04_shipped/incoming/": {
			"proj/04_shipped/incoming/BUG-3/",
		},
	}}

	r := NewResolver(store, testCatalog(t), "proj")
	eligible, err := r.ResolveDownloadEligible(context.Background())
	if err != nil {
		t.Fatalf("ResolveDownloadEligible: %v", err)
	}

	if _, ok := eligible["04"]; ok {
		t.Fatal("non-eligible stage 04 present in download-eligible view")
	}

	got := eligible["02"]
	if got.Path != "02_evidence/incoming" {
		t.Errorf("path = %q", got.Path)
	}
	if len(got.BugNos) != 2 || got.BugNos[0] != "BUG-1" || got.BugNos[1] != "BUG-2" {
		t.Errorf("bug folders = %v", got.BugNos)
	}
}

// TestResolver_PropagatesStoreErrors verifies listing failures surface
// unchanged with stage context.
func TestResolver_PropagatesStoreErrors(t *testing.T) {
	cause := errors.New("store down")
	r := NewResolver(&fakeLister{err: cause}, testCatalog(t), "proj")

	if _, err := r.ResolveStates(context.Background()); !errors.Is(err, cause) {
		t.Fatalf("ResolveStates error = %v, want wrapped cause", err)
	}
	if _, err := r.ResolveDownloadEligible(context.Background()); !errors.Is(err, cause) {
		t.Fatalf("ResolveDownloadEligible error = %v, want wrapped cause", err)
	}
}
