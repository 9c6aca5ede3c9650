// Package stage defines the fixed workflow stage table for bug-evidence
// folders in the object store.
//
// Each stage maps a workflow code to an object-store path prefix. Bug folders
// that have not yet been moved out of a stage live under an extra "in-flight"
// marker segment below the stage prefix; folders directly under the stage
// prefix are considered settled. Only stages flagged DownloadEligible are
// candidates for mirroring to local storage.
//
// The catalog is pure data: it performs no I/O and is loaded once at startup.
package stage

import "fmt"

// Stage describes one step of the workflow pipeline.
type Stage struct {
	// Code is the stage identifier used by callers (e.g. "02").
	Code string

	// PathPrefix is the object-store path segment for this stage,
	// relative to the bucket root folder (e.g. "02_evidence").
	PathPrefix string

	// InFlightMarker is the path segment under PathPrefix that holds bug
	// folders which have not yet been moved out of the stage.
	InFlightMarker string

	// DownloadEligible marks stages whose in-flight folders may be
	// mirrored to local storage. Stages without the flag are
	// upload-side stages.
	DownloadEligible bool
}

// InFlightPrefix returns the stage prefix including the in-flight marker,
// without a trailing slash.
func (s Stage) InFlightPrefix() string {
	return s.PathPrefix + "/" + s.InFlightMarker
}

// Catalog is an immutable ordered set of stages.
type Catalog struct {
	stages []Stage
	byCode map[string]Stage
}

// NewCatalog builds a catalog from the given stages. It rejects duplicate
// codes and duplicate or empty path prefixes so that stage listings can never
// overlap.
func NewCatalog(stages []Stage) (*Catalog, error) {
	byCode := make(map[string]Stage, len(stages))
	byPrefix := make(map[string]struct{}, len(stages))

	for _, s := range stages {
		if s.Code == "" {
			return nil, fmt.Errorf("stage with empty code")
		}
		if s.PathPrefix == "" {
			return nil, fmt.Errorf("stage %s has empty path prefix", s.Code)
		}
		if s.InFlightMarker == "" {
			return nil, fmt.Errorf("stage %s has empty in-flight marker", s.Code)
		}
		if _, ok := byCode[s.Code]; ok {
			return nil, fmt.Errorf("duplicate stage code %s", s.Code)
		}
		if _, ok := byPrefix[s.PathPrefix]; ok {
			return nil, fmt.Errorf("duplicate stage prefix %s", s.PathPrefix)
		}
		byCode[s.Code] = s
		byPrefix[s.PathPrefix] = struct{}{}
	}

	return &Catalog{
		stages: append([]Stage(nil), stages...),
		byCode: byCode,
	}, nil
}

// Default returns the built-in stage table.
func Default() *Catalog {
	c, err := NewCatalog([]Stage{
		{Code: "01", PathPrefix: "01_reported", InFlightMarker: "incoming", DownloadEligible: false},
		{Code: "02", PathPrefix: "02_evidence", InFlightMarker: "incoming", DownloadEligible: true},
		{Code: "03", PathPrefix: "03_review", InFlightMarker: "incoming", DownloadEligible: true},
		{Code: "04", PathPrefix: "04_shipped", InFlightMarker: "incoming", DownloadEligible: false},
	})
	if err != nil {
		// The built-in table is static; a failure here is a programming error.
		panic(err)
	}
	return c
}

// All returns the stages in catalog order.
func (c *Catalog) All() []Stage {
	return append([]Stage(nil), c.stages...)
}

// DownloadEligible returns the subset of stages flagged for download, in
// catalog order.
func (c *Catalog) DownloadEligible() []Stage {
	var out []Stage
	for _, s := range c.stages {
		if s.DownloadEligible {
			out = append(out, s)
		}
	}
	return out
}

// ByCode looks up a stage by its code.
func (c *Catalog) ByCode(code string) (Stage, bool) {
	s, ok := c.byCode[code]
	return s, ok
}
