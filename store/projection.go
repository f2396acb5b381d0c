package store

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/woowu/fmstore/fmclock"
	"github.com/woowu/fmstore/fmlog"
	"github.com/woowu/fmstore/fmpath"
	"github.com/woowu/fmstore/record"
)

// ProjectedMetric is one entry of a projection result: the freshest
// observation of a metric no later than the reference instant, tagged
// with the ticktime (epoch seconds) of the record it came from.
type ProjectedMetric struct {
	record.Metric
	Ticktime int64
}

// ProjectMetrics implements the Projection Engine (§4.8): walk live then
// archived blocks backward from the reference time, merging in the
// freshest observation of each requested metric. When metricIDs is empty,
// the engine instead returns every metric found in the single freshest
// decodable record no later than the reference time.
func (s *Store) ProjectMetrics(ctx context.Context, devid uint32, at time.Time, metricIDs []uint32) ([]ProjectedMetric, error) {
	refBlock := fmclock.BlockIndex(at, s.cfg.BlockHours)
	refEpoch := at.Unix()

	wanted := map[uint32]bool{}
	for _, id := range metricIDs {
		wanted[id] = true
	}
	allMetrics := len(wanted) == 0

	resolved := map[uint32]bool{}
	var result []ProjectedMetric
	done := false

	walk := func(blocks []int) error {
		for _, block := range blocks {
			if done {
				return nil
			}
			dir, files, err := s.OpenBlock(ctx, devid, block)
			if err != nil {
				// §4.8 step 6 / §7: "a failure to open a block ends the
				// walk at that block" — this phase's walk (live or
				// archived) stops here rather than skipping ahead to an
				// older block; per step 5, the other phase still runs if
				// metrics remain unresolved.
				fmlog.Warn("msg", "projection walk ended: failed to open block", "devid", devid, "block", block, "err", err)
				return nil
			}
			files = filterAndSortFilesDesc(files, refEpoch)
			for _, name := range files {
				raw, err := os.ReadFile(filepath.Join(dir, name))
				if err != nil {
					fmlog.Warn("msg", "projection failed to read record", "devid", devid, "block", block, "file", name, "err", err)
					continue
				}
				ds, err := record.DecodeFramed(raw)
				if err != nil {
					fmlog.Warn("msg", "projection skipped corrupt record", "devid", devid, "block", block, "file", name, "err", err)
					continue
				}
				epoch, _ := fmpath.EpochFromRecordName(name)

				if allMetrics {
					// No metric list: the single freshest decodable record
					// contributes all of its metrics, then the walk ends.
					for _, m := range ds.Metrics {
						result = append(result, ProjectedMetric{Metric: m, Ticktime: epoch})
					}
					done = true
					break
				}

				for _, m := range ds.Metrics {
					if !wanted[m.ID] || resolved[m.ID] {
						continue
					}
					result = append(result, ProjectedMetric{Metric: m, Ticktime: epoch})
					resolved[m.ID] = true
				}
				if len(resolved) == len(wanted) {
					done = true
					break
				}
			}
		}
		return nil
	}

	liveBlocks, err := s.idx.LiveBlocksDescLE(ctx, devid, refBlock, s.cfg.LiveTravelMax)
	if err != nil {
		return nil, err
	}
	if err := walk(liveBlocks); err != nil {
		return nil, err
	}

	if !done {
		archBlocks, err := s.idx.ArchivedBlocksDescLE(ctx, devid, refBlock, s.cfg.ArchiveTravelMax)
		if err != nil {
			return nil, err
		}
		if err := walk(archBlocks); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// filterAndSortFilesDesc keeps only "<epoch>.dat" files with epoch <=
// refEpoch and sorts them by epoch, descending.
func filterAndSortFilesDesc(files []string, refEpoch int64) []string {
	type named struct {
		name  string
		epoch int64
	}
	kept := make([]named, 0, len(files))
	for _, f := range files {
		epoch, ok := fmpath.EpochFromRecordName(f)
		if !ok || epoch > refEpoch {
			continue
		}
		kept = append(kept, named{f, epoch})
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].epoch > kept[j].epoch })
	out := make([]string, len(kept))
	for i, k := range kept {
		out[i] = k.name
	}
	return out
}
