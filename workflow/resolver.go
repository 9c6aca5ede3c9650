// Package workflow resolves the current object-store state of every tracked
// bug folder across workflow stages.
//
// Resolution is read-only: for each stage the resolver lists the bug folders
// directly under the stage prefix (settled) and the folders still under the
// stage's in-flight marker. A folder that appears in both listings is
// reported once, as settled.
package workflow

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bugvault/bugvault/s3"
	"github.com/bugvault/bugvault/stage"
)

// InFlightMessage is the advisory attached to bug folders that have not been
// moved out of a stage's in-flight marker yet.
const InFlightMessage = "not yet moved out of in-flight"

// PrefixLister is the object-store subset the resolver needs.
type PrefixLister interface {
	ListCommonPrefixes(ctx context.Context, prefix string) ([]string, error)
}

// BugStatus is one bug folder with its per-stage advisory message. The
// message is empty for settled folders.
type BugStatus struct {
	BugNo   string
	Message string
}

// StagePending names the in-flight location of a download-eligible stage and
// the bug folders waiting there.
type StagePending struct {
	Path   string
	BugNos []string
}

// Resolver classifies tracked bug folders per stage.
type Resolver struct {
	store   PrefixLister
	catalog *stage.Catalog
	root    string
	logger  *logrus.Logger
}

// NewResolver creates a resolver over the given store and stage catalog.
// root is the bucket folder all stage prefixes live under; it may be empty.
func NewResolver(store PrefixLister, catalog *stage.Catalog, root string) *Resolver {
	return &Resolver{
		store:   store,
		catalog: catalog,
		root:    root,
		logger:  logrus.New(),
	}
}

// SetLogger sets a custom logger for the resolver.
func (r *Resolver) SetLogger(logger *logrus.Logger) {
	r.logger = logger
}

func (r *Resolver) prefix(parts ...string) string {
	p := ""
	if r.root != "" {
		p = r.root + "/"
	}
	for _, part := range parts {
		p += part + "/"
	}
	return p
}

// ResolveStates reports, for every stage, each tracked bug folder as settled
// (empty message) or in-flight (advisory message). A folder present in both
// listings is counted once, as settled.
func (r *Resolver) ResolveStates(ctx context.Context) (map[string][]BugStatus, error) {
	result := make(map[string][]BugStatus, len(r.catalog.All()))

	for _, st := range r.catalog.All() {
		settled, err := r.store.ListCommonPrefixes(ctx, r.prefix(st.PathPrefix))
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", st.Code, err)
		}

		inFlight, err := r.store.ListCommonPrefixes(ctx, r.prefix(st.PathPrefix, st.InFlightMarker))
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", st.Code, err)
		}

		seen := make(map[string]struct{})
		var statuses []BugStatus

		for _, p := range settled {
			bugNo := s3.TrailingSegment(p)
			// The in-flight marker folder itself shows up in the bare
			// stage listing; it is not a bug folder.
			if bugNo == st.InFlightMarker {
				continue
			}
			if _, dup := seen[bugNo]; dup {
				continue
			}
			seen[bugNo] = struct{}{}
			statuses = append(statuses, BugStatus{BugNo: bugNo})
		}

		for _, p := range inFlight {
			bugNo := s3.TrailingSegment(p)
			if _, dup := seen[bugNo]; dup {
				continue
			}
			seen[bugNo] = struct{}{}
			statuses = append(statuses, BugStatus{BugNo: bugNo, Message: InFlightMessage})
		}

		result[st.Code] = statuses

		r.logger.WithFields(logrus.Fields{
			"stage": st.Code,
			"count": len(statuses),
		}).Debug("resolved stage state")
	}

	return result, nil
}

// ResolveDownloadEligible lists, for each download-eligible stage, the bug
// folders still under the in-flight marker. Settled folders are not
// candidates for the next pipeline stage and are excluded.
func (r *Resolver) ResolveDownloadEligible(ctx context.Context) (map[string]StagePending, error) {
	result := make(map[string]StagePending)

	for _, st := range r.catalog.DownloadEligible() {
		inFlight, err := r.store.ListCommonPrefixes(ctx, r.prefix(st.PathPrefix, st.InFlightMarker))
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", st.Code, err)
		}

		var bugNos []string
		for _, p := range inFlight {
			bugNos = append(bugNos, s3.TrailingSegment(p))
		}

		result[st.Code] = StagePending{
			Path:   st.InFlightPrefix(),
			BugNos: bugNos,
		}
	}

	return result, nil
}
