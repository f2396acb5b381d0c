// Package fmindex is the Index Keeper (§4.5 of the specification): it
// maintains the ordered-set index of devices, live blocks per device, and
// archived blocks per device, plus the per-device last-good-value hash.
//
// It is a thin client over an ordered-set/hash-map key-value store —
// concretely github.com/go-redis/redis/v8 talking either to a real Redis
// or, as wired by fmstore, an in-process github.com/alicebob/miniredis/v2
// instance. Nothing in this package depends on which one is behind the
// client.
package fmindex

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/go-redis/redis/v8"

	"github.com/woowu/fmstore/fmerr"
	"github.com/woowu/fmstore/record"
)

// Keeper is the Index Keeper client.
type Keeper struct {
	rdb *redis.Client
}

// New wraps an already-connected redis client.
func New(rdb *redis.Client) *Keeper {
	return &Keeper{rdb: rdb}
}

func devicesKey() string           { return "fm:devices" }
func liveBlocksKey(devid uint32) string { return fmt.Sprintf("fm:blk:%d", devid) }
func archBlocksKey(devid uint32) string { return fmt.Sprintf("fm:_blk:%d", devid) }
func lgvKey(devid uint32) string        { return fmt.Sprintf("fm:lgv:%d", devid) }

// AddDevice adds devid to fm:devices. Idempotent.
func (k *Keeper) AddDevice(ctx context.Context, devid uint32) error {
	if err := k.rdb.ZAdd(ctx, devicesKey(), &redis.Z{Score: float64(devid), Member: devid}).Err(); err != nil {
		return fmerr.Index("add device", err)
	}
	return nil
}

// Devices returns every known device, sorted ascending.
func (k *Keeper) Devices(ctx context.Context) ([]uint32, error) {
	members, err := k.rdb.ZRange(ctx, devicesKey(), 0, -1).Result()
	if err != nil {
		return nil, fmerr.Index("list devices", err)
	}
	return parseUint32Members(members)
}

// AddLiveBlock adds block to fm:blk:<devid>.
func (k *Keeper) AddLiveBlock(ctx context.Context, devid uint32, block int) error {
	if err := k.rdb.ZAdd(ctx, liveBlocksKey(devid), &redis.Z{Score: float64(block), Member: block}).Err(); err != nil {
		return fmerr.Index("add live block", err)
	}
	return nil
}

// RemoveLiveBlock removes block from fm:blk:<devid> (§4.5
// removeDeviceBlockIndex).
func (k *Keeper) RemoveLiveBlock(ctx context.Context, devid uint32, block int) error {
	if err := k.rdb.ZRem(ctx, liveBlocksKey(devid), block).Err(); err != nil {
		return fmerr.Index("remove live block", err)
	}
	return nil
}

// MarkBlockArchived adds block to fm:_blk:<devid> (§4.5
// markDeviceBlockArchived).
func (k *Keeper) MarkBlockArchived(ctx context.Context, devid uint32, block int) error {
	if err := k.rdb.ZAdd(ctx, archBlocksKey(devid), &redis.Z{Score: float64(block), Member: block}).Err(); err != nil {
		return fmerr.Index("mark block archived", err)
	}
	return nil
}

// IsArchived reports whether block is a member of fm:_blk:<devid>.
func (k *Keeper) IsArchived(ctx context.Context, devid uint32, block int) (bool, error) {
	_, err := k.rdb.ZScore(ctx, archBlocksKey(devid), strconv.Itoa(block)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmerr.Index("check archived block", err)
	}
	return true, nil
}

// LiveBlockCount returns the cardinality of fm:blk:<devid>.
func (k *Keeper) LiveBlockCount(ctx context.Context, devid uint32) (int64, error) {
	n, err := k.rdb.ZCard(ctx, liveBlocksKey(devid)).Result()
	if err != nil {
		return 0, fmerr.Index("count live blocks", err)
	}
	return n, nil
}

// ArchivedBlockCount returns the cardinality of fm:_blk:<devid>.
func (k *Keeper) ArchivedBlockCount(ctx context.Context, devid uint32) (int64, error) {
	n, err := k.rdb.ZCard(ctx, archBlocksKey(devid)).Result()
	if err != nil {
		return 0, fmerr.Index("count archived blocks", err)
	}
	return n, nil
}

// LiveBlocksDescLE returns live blocks for devid with index <= maxBlock, in
// descending order, truncated to at most limit entries (§4.8 step 2).
func (k *Keeper) LiveBlocksDescLE(ctx context.Context, devid uint32, maxBlock int, limit int) ([]int, error) {
	return k.blocksDescLE(ctx, liveBlocksKey(devid), maxBlock, limit)
}

// ArchivedBlocksDescLE is the archived-block equivalent of
// LiveBlocksDescLE, used by the projection's archive-travel phase.
func (k *Keeper) ArchivedBlocksDescLE(ctx context.Context, devid uint32, maxBlock int, limit int) ([]int, error) {
	return k.blocksDescLE(ctx, archBlocksKey(devid), maxBlock, limit)
}

func (k *Keeper) blocksDescLE(ctx context.Context, key string, maxBlock int, limit int) ([]int, error) {
	opt := &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.Itoa(maxBlock),
		Count: int64(limit),
	}
	members, err := k.rdb.ZRevRangeByScore(ctx, key, opt).Result()
	if err != nil {
		return nil, fmerr.Index("range blocks", err)
	}
	return parseIntMembers(members)
}

// FutureLiveBlocks returns live blocks for devid strictly greater than
// nowBlock (§4.9 housekeeping step 1, "prune future").
func (k *Keeper) FutureLiveBlocks(ctx context.Context, devid uint32, nowBlock int) ([]int, error) {
	opt := &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", nowBlock),
		Max: "+inf",
	}
	members, err := k.rdb.ZRangeByScore(ctx, liveBlocksKey(devid), opt).Result()
	if err != nil {
		return nil, fmerr.Index("list future blocks", err)
	}
	return parseIntMembers(members)
}

// LowestLiveBlocks returns the n lowest-indexed live blocks for devid,
// ascending (§4.9 housekeeping step 2, "archive aged").
func (k *Keeper) LowestLiveBlocks(ctx context.Context, devid uint32, n int64) ([]int, error) {
	members, err := k.rdb.ZRange(ctx, liveBlocksKey(devid), 0, n-1).Result()
	if err != nil {
		return nil, fmerr.Index("list lowest live blocks", err)
	}
	return parseIntMembers(members)
}

// LowestArchivedBlock and HighestArchivedBlock return the single
// oldest/newest archived block index for devid, used by
// Store.GetDeviceTimeSpan; ok is false if there are no archived blocks.
func (k *Keeper) LowestArchivedBlock(ctx context.Context, devid uint32) (block int, ok bool, err error) {
	members, err := k.rdb.ZRange(ctx, archBlocksKey(devid), 0, 0).Result()
	if err != nil {
		return 0, false, fmerr.Index("lowest archived block", err)
	}
	if len(members) == 0 {
		return 0, false, nil
	}
	n, err := strconv.Atoi(members[0])
	if err != nil {
		return 0, false, fmerr.Index("parse archived block", err)
	}
	return n, true, nil
}

func (k *Keeper) HighestArchivedBlock(ctx context.Context, devid uint32) (block int, ok bool, err error) {
	members, err := k.rdb.ZRevRange(ctx, archBlocksKey(devid), 0, 0).Result()
	if err != nil {
		return 0, false, fmerr.Index("highest archived block", err)
	}
	if len(members) == 0 {
		return 0, false, nil
	}
	n, err := strconv.Atoi(members[0])
	if err != nil {
		return 0, false, fmerr.Index("parse archived block", err)
	}
	return n, true, nil
}

func parseIntMembers(members []string) ([]int, error) {
	out := make([]int, 0, len(members))
	for _, m := range members {
		n, err := strconv.Atoi(m)
		if err != nil {
			return nil, fmerr.Index("parse block member", err)
		}
		out = append(out, n)
	}
	return out, nil
}

func parseUint32Members(members []string) ([]uint32, error) {
	out := make([]uint32, 0, len(members))
	for _, m := range members {
		n, err := strconv.ParseUint(m, 10, 32)
		if err != nil {
			return nil, fmerr.Index("parse device member", err)
		}
		out = append(out, uint32(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// LastGoodValue is the decoded form of the fm:lgv:<devid> hash: the
// freshest observation of each metric id, plus the hash-wide ticktime
// gate (spec invariant 3).
type LastGoodValue struct {
	Ticktime int64
	Metrics  map[uint32]LGVMetric
}

// LGVMetric is one metric's entry within a LastGoodValue.
type LGVMetric struct {
	Ticktime     int64
	Status       int32
	Value        int32
	Scale        int32
	HasTimestamp bool
	Timestamp    uint32
}

// GetLastGoodValue loads and decodes fm:lgv:<devid>.
func (k *Keeper) GetLastGoodValue(ctx context.Context, devid uint32) (*LastGoodValue, error) {
	raw, err := k.rdb.HGetAll(ctx, lgvKey(devid)).Result()
	if err != nil {
		return nil, fmerr.Index("read lgv", err)
	}
	if len(raw) == 0 {
		return nil, fmerr.NotFound
	}
	return decodeLGV(raw)
}

// UpdateLGV applies ds (observed at ticktime) to fm:lgv:<devid>, per the
// monotonicity contract in §4.5: a metric's stored fields are overwritten
// only if the metric has never been seen or the incoming ticktime is
// strictly greater than the stored one (first-write-wins on ties). An
// overwrite replaces all fields of the metric, including clearing a
// stale per-metric timestamp when the new observation doesn't have one.
// The hash-wide ticktime gate uses the same strict "absent or less than"
// comparison, so it is set exactly once per ticktime value.
func (k *Keeper) UpdateLGV(ctx context.Context, devid uint32, ds *record.DevState, ticktime int64) error {
	key := lgvKey(devid)
	fields := make([]string, 0, len(ds.Metrics))
	for i := range ds.Metrics {
		fields = append(fields, strconv.FormatUint(uint64(ds.Metrics[i].ID), 10)+"_ticktime")
	}
	existing, err := k.rdb.HMGet(ctx, key, fields...).Result()
	if err != nil {
		return fmerr.Index("read lgv ticktimes", err)
	}

	updates := map[string]interface{}{}
	var clear []string
	anyModified := false
	for i := range ds.Metrics {
		m := &ds.Metrics[i]
		prefix := strconv.FormatUint(uint64(m.ID), 10)
		var prevTicktime int64 = -1
		if existing[i] != nil {
			if s, ok := existing[i].(string); ok {
				if v, err := strconv.ParseInt(s, 10, 64); err == nil {
					prevTicktime = v
				}
			}
		}
		if prevTicktime >= ticktime {
			continue
		}
		anyModified = true
		updates[prefix+"_ticktime"] = ticktime
		updates[prefix+"_status"] = m.Status
		updates[prefix+"_value"] = m.Value
		updates[prefix+"_scale"] = m.Scale
		if m.HasTimestamp {
			updates[prefix+"_timestamp"] = m.Timestamp
		} else {
			// Overwrite means all fields, including clearing a
			// per-metric timestamp a prior "slow" observation left
			// behind: a fast observation at a later ticktime has no
			// timestamp of its own to report.
			clear = append(clear, prefix+"_timestamp")
		}
	}

	if !anyModified {
		return nil
	}

	globalTicktime, hasGlobal, err := k.currentGlobalTicktime(ctx, key)
	if err != nil {
		return err
	}
	if !hasGlobal || globalTicktime < ticktime {
		updates["ticktime"] = ticktime
	}

	if err := k.rdb.HSet(ctx, key, updates).Err(); err != nil {
		return fmerr.Index("write lgv", err)
	}
	if len(clear) > 0 {
		if err := k.rdb.HDel(ctx, key, clear...).Err(); err != nil {
			return fmerr.Index("clear stale lgv timestamp", err)
		}
	}
	return nil
}

func (k *Keeper) currentGlobalTicktime(ctx context.Context, key string) (int64, bool, error) {
	v, err := k.rdb.HGet(ctx, key, "ticktime").Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmerr.Index("read lgv global ticktime", err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, fmerr.Index("parse lgv global ticktime", err)
	}
	return n, true, nil
}

func decodeLGV(raw map[string]string) (*LastGoodValue, error) {
	lgv := &LastGoodValue{Metrics: map[uint32]LGVMetric{}}
	perMetric := map[uint32]*LGVMetric{}
	get := func(id uint32) *LGVMetric {
		m, ok := perMetric[id]
		if !ok {
			m = &LGVMetric{}
			perMetric[id] = m
		}
		return m
	}
	for field, value := range raw {
		if field == "ticktime" {
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmerr.Index("parse lgv ticktime", err)
			}
			lgv.Ticktime = n
			continue
		}
		id, suffix, ok := splitLGVField(field)
		if !ok {
			continue
		}
		m := get(id)
		switch suffix {
		case "ticktime":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmerr.Index("parse metric ticktime", err)
			}
			m.Ticktime = n
		case "status":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmerr.Index("parse metric status", err)
			}
			m.Status = int32(n)
		case "value":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmerr.Index("parse metric value", err)
			}
			m.Value = int32(n)
		case "scale":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmerr.Index("parse metric scale", err)
			}
			m.Scale = int32(n)
		case "timestamp":
			n, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, fmerr.Index("parse metric timestamp", err)
			}
			m.HasTimestamp = true
			m.Timestamp = uint32(n)
		}
	}
	for id, m := range perMetric {
		lgv.Metrics[id] = *m
	}
	return lgv, nil
}

// splitLGVField splits "<id>_<suffix>" into (id, suffix, ok).
func splitLGVField(field string) (uint32, string, bool) {
	for i := 0; i < len(field); i++ {
		if field[i] == '_' {
			id, err := strconv.ParseUint(field[:i], 10, 32)
			if err != nil {
				return 0, "", false
			}
			return uint32(id), field[i+1:], true
		}
	}
	return 0, "", false
}
