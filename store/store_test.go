package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/woowu/fmstore/fmclock"
	"github.com/woowu/fmstore/fmconfig"
	"github.com/woowu/fmstore/fmerr"
	"github.com/woowu/fmstore/fmindex"
	"github.com/woowu/fmstore/record"
)

func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := fmconfig.Resolve(t.TempDir())
	cfg.BlockHours = 2
	cfg.LiveTravelMax = 24

	return New(cfg, fmindex.New(rdb)), context.Background()
}

// S1 — single write, single read.
func TestPutDeviceStateSingleWrite(t *testing.T) {
	st, ctx := newTestStore(t)
	ticktime := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	ds := &record.DevState{
		DevID:     7,
		Timestamp: 1_700_000_000,
		Metrics:   []record.Metric{{ID: 1, Status: 0, Value: 100, Scale: 0}},
	}

	require.NoError(t, st.PutDeviceState(ctx, 7, ticktime, ds))

	path := filepath.Join(st.paths.DataRoot(), "2023111411", "7", "1700000000.dat")
	_, err := os.Stat(path)
	require.NoError(t, err)

	devices, err := st.idx.Devices(ctx)
	require.NoError(t, err)
	require.Equal(t, []uint32{7}, devices)

	liveCount, err := st.idx.LiveBlockCount(ctx, 7)
	require.NoError(t, err)
	require.EqualValues(t, 1, liveCount)

	lgv, err := st.GetDeviceLastGoodValue(ctx, 7)
	require.NoError(t, err)
	require.EqualValues(t, 1_700_000_000, lgv.Ticktime)
	require.EqualValues(t, 1_700_000_000, lgv.Metrics[1].Ticktime)
	require.EqualValues(t, 100, lgv.Metrics[1].Value)
}

// S2 — LGV monotonicity under out-of-order writes.
func TestLGVMonotoneUnderOutOfOrderWrites(t *testing.T) {
	st, ctx := newTestStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	dsA := &record.DevState{DevID: 1, Timestamp: 1000, Metrics: []record.Metric{{ID: 1, Value: 111}}}
	require.NoError(t, st.PutDeviceState(ctx, 1, base.Add(1000*time.Second), dsA))

	dsB := &record.DevState{DevID: 1, Timestamp: 500, Metrics: []record.Metric{{ID: 1, Value: 222}}}
	require.NoError(t, st.PutDeviceState(ctx, 1, base.Add(500*time.Second), dsB))

	lgv, err := st.GetDeviceLastGoodValue(ctx, 1)
	require.NoError(t, err)
	require.EqualValues(t, 111, lgv.Metrics[1].Value)
	require.EqualValues(t, base.Add(1000*time.Second).Unix(), lgv.Metrics[1].Ticktime)
}

// S3 — future pruning.
func TestHousekeepingPrunesFutureBlocks(t *testing.T) {
	st, ctx := newTestStore(t)
	past := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	future := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)

	ds := &record.DevState{DevID: 9, Timestamp: 1, Metrics: []record.Metric{{ID: 1, Value: 1}}}
	require.NoError(t, st.PutDeviceState(ctx, 9, past, ds))
	require.NoError(t, st.PutDeviceState(ctx, 9, future, ds))

	require.NoError(t, st.Housekeeping(ctx, HousekeepingOpts{}))

	min, max, err := st.GetDeviceTimeSpan(ctx, 9)
	require.NoError(t, err)
	require.Equal(t, min, max)
	require.Less(t, min, 2099010100)
}

// S4 — archive and re-open.
func TestHousekeepingArchivesAgedBlocksAndProjectionReopens(t *testing.T) {
	st, ctx := newTestStore(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var ticktimes []time.Time
	for i := 0; i < 6; i++ {
		tt := start.Add(time.Duration(i) * 2 * time.Hour)
		ticktimes = append(ticktimes, tt)
		ds := &record.DevState{
			DevID:     4,
			Timestamp: uint32(tt.Unix()),
			Metrics:   []record.Metric{{ID: 1, Value: int32(i)}},
		}
		require.NoError(t, st.PutDeviceState(ctx, 4, tt, ds))
	}

	require.NoError(t, st.Housekeeping(ctx, HousekeepingOpts{Level1Blocks: 2}))

	liveCount, err := st.idx.LiveBlockCount(ctx, 4)
	require.NoError(t, err)
	require.EqualValues(t, 2, liveCount)

	archCount, err := st.idx.ArchivedBlockCount(ctx, 4)
	require.NoError(t, err)
	require.EqualValues(t, 4, archCount)

	result, err := st.ProjectMetrics(ctx, 4, ticktimes[0].Add(time.Minute), []uint32{1})
	require.NoError(t, err)
	require.Len(t, result, 1)
	require.EqualValues(t, 0, result[0].Value)
}

// S5 — CRC corruption.
func TestProjectionSkipsCorruptRecord(t *testing.T) {
	st, ctx := newTestStore(t)
	tt1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tt2 := tt1.Add(time.Minute)

	ds1 := &record.DevState{DevID: 2, Timestamp: uint32(tt1.Unix()), Metrics: []record.Metric{{ID: 1, Value: 1}}}
	ds2 := &record.DevState{DevID: 2, Timestamp: uint32(tt2.Unix()), Metrics: []record.Metric{{ID: 2, Value: 2}}}
	require.NoError(t, st.PutDeviceState(ctx, 2, tt1, ds1))
	require.NoError(t, st.PutDeviceState(ctx, 2, tt2, ds2))

	path := st.paths.RecordPath(2, fmclock.BlockIndex(tt2, st.cfg.BlockHours), tt2.UnixMilli())
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	result, err := st.ProjectMetrics(ctx, 2, tt2.Add(time.Minute), []uint32{1, 2})
	require.NoError(t, err)
	require.Len(t, result, 1)
	require.EqualValues(t, 1, result[0].ID)
}

// S6 — orphan record tolerance.
func TestOrphanRecordNotVisibleUntilIndexRecovers(t *testing.T) {
	st, ctx := newTestStore(t)
	tt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ds := &record.DevState{DevID: 3, Timestamp: uint32(tt.Unix()), Metrics: []record.Metric{{ID: 1, Value: 1}}}

	_, err := st.writeRecordFile(3, fmclock.BlockIndex(tt, st.cfg.BlockHours), tt.UnixMilli(), ds)
	require.NoError(t, err)

	_, _, err = st.GetDeviceTimeSpan(ctx, 3)
	require.ErrorIs(t, err, fmerr.NotFound)
	result, err := st.ProjectMetrics(ctx, 3, tt.Add(time.Minute), []uint32{1})
	require.NoError(t, err)
	require.Empty(t, result)

	require.NoError(t, st.PutDeviceState(ctx, 3, tt, ds))
	result, err = st.ProjectMetrics(ctx, 3, tt.Add(time.Minute), []uint32{1})
	require.NoError(t, err)
	require.Len(t, result, 1)
}
