// Command analyze-stages reports how much evidence each workflow stage
// holds: bug folder counts, object counts and bytes, split into settled and
// in-flight folders, plus the largest folders per stage.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/bugvault/bugvault/config"
	"github.com/bugvault/bugvault/s3"
	"github.com/bugvault/bugvault/stage"
)

type folderStats struct {
	bugNo    string
	inFlight bool
	objects  int
	bytes    int64
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "analyze-stages: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := context.Background()

	storeCfg := s3.DefaultConfig()
	storeCfg.Bucket = cfg.Bucket
	storeCfg.Region = cfg.Region

	store, err := s3.New(ctx, storeCfg)
	if err != nil {
		return err
	}
	store.SuppressLogs()

	fmt.Printf("Bucket: s3://%s/%s\n\n", cfg.Bucket, cfg.RootFolder)

	for _, st := range stage.Default().All() {
		stats, err := analyzeStage(ctx, store, cfg.RootFolder, st)
		if err != nil {
			return fmt.Errorf("stage %s: %w", st.Code, err)
		}
		printStage(st, stats)
	}

	return nil
}

func analyzeStage(ctx context.Context, store *s3.Client, root string, st stage.Stage) ([]folderStats, error) {
	base := root
	if base != "" {
		base += "/"
	}

	settled, err := store.ListCommonPrefixes(ctx, base+st.PathPrefix+"/")
	if err != nil {
		return nil, err
	}
	inFlight, err := store.ListCommonPrefixes(ctx, base+st.PathPrefix+"/"+st.InFlightMarker+"/")
	if err != nil {
		return nil, err
	}

	var stats []folderStats
	for _, p := range settled {
		bugNo := s3.TrailingSegment(p)
		if bugNo == st.InFlightMarker {
			continue
		}
		fs, err := folderSize(ctx, store, p)
		if err != nil {
			return nil, err
		}
		fs.bugNo = bugNo
		stats = append(stats, fs)
	}
	for _, p := range inFlight {
		fs, err := folderSize(ctx, store, p)
		if err != nil {
			return nil, err
		}
		fs.bugNo = s3.TrailingSegment(p)
		fs.inFlight = true
		stats = append(stats, fs)
	}

	return stats, nil
}

func folderSize(ctx context.Context, store *s3.Client, prefix string) (folderStats, error) {
	objects, err := store.ListObjects(ctx, prefix)
	if err != nil {
		return folderStats{}, err
	}
	var fs folderStats
	for _, obj := range objects {
		fs.objects++
		fs.bytes += obj.Size
	}
	return fs, nil
}

func printStage(st stage.Stage, stats []folderStats) {
	var settled, inFlight int
	var totalBytes int64
	for _, fs := range stats {
		if fs.inFlight {
			inFlight++
		} else {
			settled++
		}
		totalBytes += fs.bytes
	}

	fmt.Printf("%s (%s)\n", st.Code, st.PathPrefix)
	fmt.Println(strings.Repeat("-", 60))
	fmt.Printf("  Bug folders:  %d settled, %d in-flight\n", settled, inFlight)
	fmt.Printf("  Total size:   %s\n", humanSize(totalBytes))

	if len(stats) > 0 {
		sort.Slice(stats, func(i, j int) bool { return stats[i].bytes > stats[j].bytes })
		top := stats
		if len(top) > 5 {
			top = top[:5]
		}
		fmt.Println("  Largest folders:")
		for _, fs := range top {
			marker := ""
			if fs.inFlight {
				marker = " (in-flight)"
			}
			fmt.Printf("    %-12s  %-20s %d objects%s\n", humanSize(fs.bytes), fs.bugNo, fs.objects, marker)
		}
	}
	fmt.Println()
}

func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
