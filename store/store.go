// Package store ties together the Block Clock, Path Resolver, Record
// Codec, and Index Keeper into the write, query, and housekeeping paths
// described in §2 of the specification: Store is the component callers
// construct and use.
package store

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/woowu/fmstore/fmclock"
	"github.com/woowu/fmstore/fmconfig"
	"github.com/woowu/fmstore/fmerr"
	"github.com/woowu/fmstore/fmindex"
	"github.com/woowu/fmstore/fmpath"
	"github.com/woowu/fmstore/record"
)

// Store is a disk-backed time-series state store for a fleet of devices,
// per §1 of the specification. It holds no in-memory cache of device
// state between calls; every query walks the disk (§5, "Shared
// resources").
type Store struct {
	cfg   fmconfig.Config
	paths *fmpath.Resolver
	idx   *fmindex.Keeper
}

// New constructs a Store over cfg, backed by idx for all index operations.
func New(cfg fmconfig.Config, idx *fmindex.Keeper) *Store {
	return &Store{
		cfg:   cfg,
		paths: fmpath.New(cfg.DataRoot),
		idx:   idx,
	}
}

// PutDeviceState is the write path (§4.4 State Writer composed with §4.5
// Index Keeper): encode, checksum, atomically rename into place, then
// update the last-good-value hash, the live-block index, and (when the
// record file did not exist before this write) the device index — in
// that order. A successful return implies all of these steps succeeded.
func (s *Store) PutDeviceState(ctx context.Context, devid uint32, ticktime time.Time, ds *record.DevState) error {
	block := fmclock.BlockIndex(ticktime, s.cfg.BlockHours)
	ticktimeMs := ticktime.UnixMilli()

	newFile, err := s.writeRecordFile(devid, block, ticktimeMs, ds)
	if err != nil {
		return err
	}

	if err := s.idx.UpdateLGV(ctx, devid, ds, ticktime.Unix()); err != nil {
		return err
	}
	if err := s.idx.AddLiveBlock(ctx, devid, block); err != nil {
		return err
	}
	if newFile {
		if err := s.idx.AddDevice(ctx, devid); err != nil {
			return err
		}
	}
	return nil
}

// writeRecordFile performs the atomic single-file write described in
// §4.4: probe existence, ensure the parent directory, write the temp
// file, then rename onto the final path. The rename is the commit point;
// everything before it can fail freely, nothing after it rolls back on a
// later index failure (§5, "A crash between rename and index update
// leaves an orphan file: tolerated").
func (s *Store) writeRecordFile(devid uint32, block int, ticktimeMs int64, ds *record.DevState) (newFile bool, err error) {
	path := s.paths.RecordPath(devid, block, ticktimeMs)
	tmp := s.paths.TempRecordPath(devid, block, ticktimeMs)

	_, statErr := os.Stat(path)
	newFile = os.IsNotExist(statErr)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmerr.IO("create block directory", err)
	}

	framed := record.EncodeFramed(ds)
	if err := os.WriteFile(tmp, framed, 0o644); err != nil {
		return false, fmerr.IO("write temp record", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return false, fmerr.IO("rename record into place", err)
	}
	return newFile, nil
}

// GetDeviceTimeSpan returns the oldest and newest block index known for
// devid across both live and archived blocks.
func (s *Store) GetDeviceTimeSpan(ctx context.Context, devid uint32) (min, max int, err error) {
	haveAny := false
	consider := func(b int, ok bool) {
		if !ok {
			return
		}
		if !haveAny || b < min {
			min = b
		}
		if !haveAny || b > max {
			max = b
		}
		haveAny = true
	}

	liveCount, err := s.idx.LiveBlockCount(ctx, devid)
	if err != nil {
		return 0, 0, err
	}
	if liveCount > 0 {
		lowest, err := s.idx.LowestLiveBlocks(ctx, devid, 1)
		if err != nil {
			return 0, 0, err
		}
		highest, err := s.idx.LiveBlocksDescLE(ctx, devid, maxBlockIndex, 1)
		if err != nil {
			return 0, 0, err
		}
		if len(lowest) > 0 {
			consider(lowest[0], true)
		}
		if len(highest) > 0 {
			consider(highest[0], true)
		}
	}

	archMin, archMinOK, err := s.idx.LowestArchivedBlock(ctx, devid)
	if err != nil {
		return 0, 0, err
	}
	consider(archMin, archMinOK)
	archMax, archMaxOK, err := s.idx.HighestArchivedBlock(ctx, devid)
	if err != nil {
		return 0, 0, err
	}
	consider(archMax, archMaxOK)

	if !haveAny {
		return 0, 0, fmerr.NotFound
	}
	return min, max, nil
}

// maxBlockIndex is larger than any real block index (YYYYMMDDHH' is a
// ten-digit number), used to mean "no upper bound" in range queries.
const maxBlockIndex = math.MaxInt

// GetDeviceLastGoodValue returns the freshest observation of every metric
// ever written for devid, per §3's last-good-value hash.
func (s *Store) GetDeviceLastGoodValue(ctx context.Context, devid uint32) (*fmindex.LastGoodValue, error) {
	return s.idx.GetLastGoodValue(ctx, devid)
}
