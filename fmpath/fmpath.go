// Package fmpath resolves the on-disk paths for live and archived device
// blocks, per §4.2 and §6 of the specification. All directories are
// created lazily with parents; this package never assumes a path exists.
package fmpath

import (
	"fmt"
	"path/filepath"
)

// Resolver maps (devid, block, ticktime) to file-system paths under a
// fixed data root.
type Resolver struct {
	dataRoot string
}

// New returns a Resolver rooted at dataRoot.
func New(dataRoot string) *Resolver {
	return &Resolver{dataRoot: dataRoot}
}

// DataRoot returns the configured root directory.
func (r *Resolver) DataRoot() string {
	return r.dataRoot
}

// LiveBlockDir returns dataRoot/<block>/.
func (r *Resolver) LiveBlockDir(block int) string {
	return filepath.Join(r.dataRoot, fmt.Sprintf("%d", block))
}

// LiveDeviceBlockDir returns dataRoot/<block>/<devid>/.
func (r *Resolver) LiveDeviceBlockDir(devid uint32, block int) string {
	return filepath.Join(r.LiveBlockDir(block), fmt.Sprintf("%d", devid))
}

// RecordPath returns the record file for (devid, block, ticktimeMs): the
// filename is the floor of ticktime to whole seconds, acting as the
// uniqueness key for live records under the device+block directory.
func (r *Resolver) RecordPath(devid uint32, block int, ticktimeMs int64) string {
	epoch := ticktimeMs / 1000
	return filepath.Join(r.LiveDeviceBlockDir(devid, block), fmt.Sprintf("%d.dat", epoch))
}

// TempRecordPath returns the scratch file a write lands in before the
// atomic rename onto RecordPath.
func (r *Resolver) TempRecordPath(devid uint32, block int, ticktimeMs int64) string {
	return r.RecordPath(devid, block, ticktimeMs) + ".tmp"
}

// ArchiveDeviceDir returns dataRoot/archive/<devid>/.
func (r *Resolver) ArchiveDeviceDir(devid uint32) string {
	return filepath.Join(r.dataRoot, "archive", fmt.Sprintf("%d", devid))
}

// ArchiveFilePath returns dataRoot/archive/<devid>/<devid>-<block>.tgz.
func (r *Resolver) ArchiveFilePath(devid uint32, block int) string {
	return filepath.Join(r.ArchiveDeviceDir(devid), fmt.Sprintf("%d-%d.tgz", devid, block))
}

// EpochFromRecordName parses the epoch-seconds key out of a "<epoch>.dat"
// filename; ok is false if name isn't shaped like a record file.
func EpochFromRecordName(name string) (epoch int64, ok bool) {
	const suffix = ".dat"
	if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
		return 0, false
	}
	stem := name[:len(name)-len(suffix)]
	var n int64
	for _, c := range stem {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	if stem == "" {
		return 0, false
	}
	return n, true
}
