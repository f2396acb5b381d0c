package fmpath

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordPath(t *testing.T) {
	r := New("/data")
	got := r.RecordPath(7, 2023111410, 1_700_000_000_000)
	require.Equal(t, "/data/2023111410/7/1700000000.dat", got)
	require.Equal(t, got+".tmp", r.TempRecordPath(7, 2023111410, 1_700_000_000_000))
}

func TestArchiveFilePath(t *testing.T) {
	r := New("/data")
	require.Equal(t, "/data/archive/4/4-2023111410.tgz", r.ArchiveFilePath(4, 2023111410))
}

func TestEpochFromRecordName(t *testing.T) {
	epoch, ok := EpochFromRecordName("1700000000.dat")
	require.True(t, ok)
	require.Equal(t, int64(1700000000), epoch)

	_, ok = EpochFromRecordName("1700000000.tmp")
	require.False(t, ok)

	_, ok = EpochFromRecordName(".dat")
	require.False(t, ok)
}
