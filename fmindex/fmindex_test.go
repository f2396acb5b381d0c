package fmindex

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/woowu/fmstore/record"
)

func newTestKeeper(t *testing.T) (*Keeper, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return New(rdb), context.Background()
}

func TestUpdateLGVExactTieDoesNotOverwrite(t *testing.T) {
	k, ctx := newTestKeeper(t)

	first := &record.DevState{Metrics: []record.Metric{{ID: 1, Value: 111}}}
	require.NoError(t, k.UpdateLGV(ctx, 1, first, 1000))

	second := &record.DevState{Metrics: []record.Metric{{ID: 1, Value: 222}}}
	require.NoError(t, k.UpdateLGV(ctx, 1, second, 1000))

	lgv, err := k.GetLastGoodValue(ctx, 1)
	require.NoError(t, err)
	require.EqualValues(t, 111, lgv.Metrics[1].Value)
	require.EqualValues(t, 1000, lgv.Metrics[1].Ticktime)
}

func TestUpdateLGVStrictlyGreaterOverwrites(t *testing.T) {
	k, ctx := newTestKeeper(t)

	first := &record.DevState{Metrics: []record.Metric{{ID: 1, Value: 111}}}
	require.NoError(t, k.UpdateLGV(ctx, 1, first, 1000))

	second := &record.DevState{Metrics: []record.Metric{{ID: 1, Value: 222}}}
	require.NoError(t, k.UpdateLGV(ctx, 1, second, 1001))

	lgv, err := k.GetLastGoodValue(ctx, 1)
	require.NoError(t, err)
	require.EqualValues(t, 222, lgv.Metrics[1].Value)
	require.EqualValues(t, 1001, lgv.Metrics[1].Ticktime)
}

// A later write with no per-metric timestamp must clear a stale
// per-metric timestamp left by an earlier "slow" observation, since an
// overwrite replaces all fields of the metric, not just the ones present
// on the new record.
func TestUpdateLGVClearsStaleTimestampOnOverwrite(t *testing.T) {
	k, ctx := newTestKeeper(t)

	slow := &record.DevState{Metrics: []record.Metric{
		{ID: 5, Value: 1, HasTimestamp: true, Timestamp: 100},
	}}
	require.NoError(t, k.UpdateLGV(ctx, 1, slow, 1000))

	fast := &record.DevState{Metrics: []record.Metric{{ID: 5, Value: 2}}}
	require.NoError(t, k.UpdateLGV(ctx, 1, fast, 2000))

	lgv, err := k.GetLastGoodValue(ctx, 1)
	require.NoError(t, err)
	m := lgv.Metrics[5]
	require.EqualValues(t, 2, m.Value)
	require.EqualValues(t, 2000, m.Ticktime)
	require.False(t, m.HasTimestamp, "stale per-metric timestamp must be cleared on overwrite")
	require.Zero(t, m.Timestamp)
}

func TestUpdateLGVGlobalTicktimeGateIsStrict(t *testing.T) {
	k, ctx := newTestKeeper(t)

	a := &record.DevState{Metrics: []record.Metric{{ID: 1, Value: 1}}}
	require.NoError(t, k.UpdateLGV(ctx, 1, a, 1000))

	lgv, err := k.GetLastGoodValue(ctx, 1)
	require.NoError(t, err)
	require.EqualValues(t, 1000, lgv.Ticktime)

	// A second metric arriving at the same global ticktime must not be
	// blocked by the gate (its own per-metric tie-break still applies),
	// but the global ticktime field itself is untouched since it is
	// already equal, not less than, the incoming ticktime.
	b := &record.DevState{Metrics: []record.Metric{{ID: 2, Value: 2}}}
	require.NoError(t, k.UpdateLGV(ctx, 1, b, 1000))

	lgv, err = k.GetLastGoodValue(ctx, 1)
	require.NoError(t, err)
	require.EqualValues(t, 1000, lgv.Ticktime)
	require.EqualValues(t, 2, lgv.Metrics[2].Value)
}

func TestGetLastGoodValueNotFound(t *testing.T) {
	k, ctx := newTestKeeper(t)
	_, err := k.GetLastGoodValue(ctx, 99)
	require.Error(t, err)
}

func TestSplitLGVField(t *testing.T) {
	id, suffix, ok := splitLGVField("5_timestamp")
	require.True(t, ok)
	require.EqualValues(t, 5, id)
	require.Equal(t, "timestamp", suffix)

	_, _, ok = splitLGVField("ticktime")
	require.False(t, ok)

	_, _, ok = splitLGVField("notanumber_status")
	require.False(t, ok)
}

func TestDecodeLGVRejectsUnparseableValues(t *testing.T) {
	_, err := decodeLGV(map[string]string{"ticktime": "not-a-number"})
	require.Error(t, err)

	_, err = decodeLGV(map[string]string{"1_status": "not-a-number"})
	require.Error(t, err)

	_, err = decodeLGV(map[string]string{"1_timestamp": "not-a-number"})
	require.Error(t, err)
}

func TestLiveAndArchivedBlockHelpers(t *testing.T) {
	k, ctx := newTestKeeper(t)

	require.NoError(t, k.AddDevice(ctx, 7))
	require.NoError(t, k.AddLiveBlock(ctx, 7, 2024010100))
	require.NoError(t, k.AddLiveBlock(ctx, 7, 2024010200))

	n, err := k.LiveBlockCount(ctx, 7)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	require.NoError(t, k.RemoveLiveBlock(ctx, 7, 2024010100))
	require.NoError(t, k.MarkBlockArchived(ctx, 7, 2024010100))

	archived, err := k.IsArchived(ctx, 7, 2024010100)
	require.NoError(t, err)
	require.True(t, archived)

	archived, err = k.IsArchived(ctx, 7, 2024010200)
	require.NoError(t, err)
	require.False(t, archived)

	lowest, ok, err := k.LowestArchivedBlock(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2024010100, lowest)

	highest, ok, err := k.HighestArchivedBlock(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2024010100, highest)
}
