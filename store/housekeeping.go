package store

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/woowu/fmstore/fmclock"
	"github.com/woowu/fmstore/fmerr"
	"github.com/woowu/fmstore/fmlog"
)

// HousekeepingOpts configures a Housekeeping pass.
type HousekeepingOpts struct {
	// Level1Blocks is the number of newest live blocks kept per device
	// before older ones are archived. Zero disables archival entirely.
	Level1Blocks int64
}

// Housekeeping implements C9 (§4.9): prune future-dated blocks, then
// archive aged blocks down to Level1Blocks per device. Unlike the
// original source's removeBlocksAfter (§9, "return (cb) in place of
// return cb(err)"), every error here is propagated, not dropped; per-
// device failures are collected and returned together so one bad device
// doesn't stop housekeeping on the rest.
func (s *Store) Housekeeping(ctx context.Context, opts HousekeepingOpts) error {
	devices, err := s.idx.Devices(ctx)
	if err != nil {
		return err
	}

	nowBlock := fmclock.BlockIndex(time.Now(), s.cfg.BlockHours)
	var errs []error

	for _, devid := range devices {
		if err := s.pruneFutureBlocks(ctx, devid, nowBlock); err != nil {
			errs = append(errs, err)
		}
	}

	if opts.Level1Blocks > 0 {
		for _, devid := range devices {
			if err := s.archiveAgedBlocks(ctx, devid, opts.Level1Blocks); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}

// pruneFutureBlocks removes every live block for devid whose index is
// strictly greater than nowBlock, per §4.9 step 1.
func (s *Store) pruneFutureBlocks(ctx context.Context, devid uint32, nowBlock int) error {
	future, err := s.idx.FutureLiveBlocks(ctx, devid, nowBlock)
	if err != nil {
		return err
	}
	var errs []error
	for _, block := range future {
		if err := s.idx.RemoveLiveBlock(ctx, devid, block); err != nil {
			errs = append(errs, err)
			continue
		}
		dir := s.paths.LiveDeviceBlockDir(devid, block)
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmerr.IO("prune future block directory", err))
			continue
		}
		fmlog.Info("msg", "pruned future-dated block", "devid", devid, "block", block)
	}
	return errors.Join(errs...)
}

// archiveAgedBlocks keeps the level1Blocks newest live blocks for devid
// and archives the rest, per §4.9 step 2.
func (s *Store) archiveAgedBlocks(ctx context.Context, devid uint32, level1Blocks int64) error {
	count, err := s.idx.LiveBlockCount(ctx, devid)
	if err != nil {
		return err
	}
	if count <= level1Blocks {
		return nil
	}

	toArchive := count - level1Blocks
	blocks, err := s.idx.LowestLiveBlocks(ctx, devid, toArchive)
	if err != nil {
		return err
	}

	var errs []error
	for _, block := range blocks {
		if err := s.ArchiveDeviceBlock(ctx, devid, block); err != nil {
			errs = append(errs, err)
			continue
		}
		fmlog.Info("msg", "archived aged block", "devid", devid, "block", block)
	}
	return errors.Join(errs...)
}
