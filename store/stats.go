package store

import (
	"context"
	"fmt"

	"github.com/gholt/brimtext"
)

// Stats is a point-in-time summary of a device's footprint: live and
// archived block counts and the device's time span, rendered the way
// ValuesStoreStats renders its internal counters.
type Stats struct {
	Devid         uint32
	LiveBlocks    int64
	ArchivedCount int64
	MinBlock      int
	MaxBlock      int
	HasSpan       bool
}

// GetStats gathers Stats for devid.
func (s *Store) GetStats(ctx context.Context, devid uint32) (*Stats, error) {
	liveCount, err := s.idx.LiveBlockCount(ctx, devid)
	if err != nil {
		return nil, err
	}
	archivedCount, err := s.idx.ArchivedBlockCount(ctx, devid)
	if err != nil {
		return nil, err
	}

	st := &Stats{
		Devid:         devid,
		LiveBlocks:    liveCount,
		ArchivedCount: archivedCount,
	}
	if min, max, err := s.GetDeviceTimeSpan(ctx, devid); err == nil {
		st.MinBlock, st.MaxBlock, st.HasSpan = min, max, true
	}
	return st, nil
}

func (stats *Stats) String() string {
	rows := [][]string{
		{"devid", fmt.Sprintf("%d", stats.Devid)},
		{"liveBlocks", fmt.Sprintf("%d", stats.LiveBlocks)},
		{"archivedBlocks", fmt.Sprintf("%d", stats.ArchivedCount)},
	}
	if stats.HasSpan {
		rows = append(rows,
			[]string{"minBlock", fmt.Sprintf("%d", stats.MinBlock)},
			[]string{"maxBlock", fmt.Sprintf("%d", stats.MaxBlock)},
		)
	}
	return brimtext.Align(rows, nil)
}
