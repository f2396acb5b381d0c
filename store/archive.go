package store

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/woowu/fmstore/fmerr"
	"github.com/woowu/fmstore/fmlog"
	"github.com/woowu/fmstore/fmpath"
)

// ArchiveDeviceBlock implements the Archiver (§4.6): pack the live
// dataRoot/<block>/<devid> directory into a compressed tarball, then
// remove the live-block index entry and directory, then mark the block
// archived. Step 2 (tarball write) must succeed before steps 3-4 run; if
// step 3 fails after the tarball exists, the archive and live copy
// coexist and a retry will overwrite the tarball and finish the job —
// the at-least-once semantics §4.6 accepts.
func (s *Store) ArchiveDeviceBlock(ctx context.Context, devid uint32, block int) error {
	liveDir := s.paths.LiveDeviceBlockDir(devid, block)
	archiveDir := s.paths.ArchiveDeviceDir(devid)
	archivePath := s.paths.ArchiveFilePath(devid, block)
	tmpPath := archivePath + ".tmp"

	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmerr.Archive("create archive directory", err)
	}

	if err := tarGzDir(tmpPath, s.paths.DataRoot(), liveDir); err != nil {
		return fmerr.Archive("write archive tarball", err)
	}
	if err := os.Rename(tmpPath, archivePath); err != nil {
		_ = os.Remove(tmpPath)
		return fmerr.Archive("rename archive into place", err)
	}

	if err := s.idx.RemoveLiveBlock(ctx, devid, block); err != nil {
		return err
	}
	if err := os.RemoveAll(liveDir); err != nil {
		return fmerr.IO("remove live block directory", err)
	}
	if err := s.idx.MarkBlockArchived(ctx, devid, block); err != nil {
		return err
	}
	return nil
}

// OpenBlock implements the Block Loader (§4.7): if block is archived for
// devid, extract its tarball back into the live tree first, then list the
// *.dat files now present in the live device+block directory.
func (s *Store) OpenBlock(ctx context.Context, devid uint32, block int) (string, []string, error) {
	archived, err := s.idx.IsArchived(ctx, devid, block)
	if err != nil {
		return "", nil, err
	}
	if archived {
		if err := s.extractArchive(devid, block); err != nil {
			return "", nil, err
		}
	}

	dir := s.paths.LiveDeviceBlockDir(devid, block)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return dir, nil, nil
		}
		return "", nil, fmerr.IO("list block directory", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := fmpath.EpochFromRecordName(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	return dir, names, nil
}

func (s *Store) extractArchive(devid uint32, block int) error {
	archivePath := s.paths.ArchiveFilePath(devid, block)
	f, err := os.Open(archivePath)
	if err != nil {
		return fmerr.Archive("open archive tarball", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmerr.Archive("open archive gzip stream", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	root := s.paths.DataRoot()
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			fmlog.Warn("msg", "archive extract ended early", "devid", devid, "block", block, "err", err)
			return fmerr.Archive("read archive entry", err)
		}
		target := filepath.Join(root, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmerr.Archive("create extracted directory", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmerr.Archive("create extracted directory", err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
			if err != nil {
				return fmerr.Archive("create extracted file", err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmerr.Archive("write extracted file", err)
			}
			out.Close()
		}
	}
	return nil
}

// tarGzDir writes a gzip-compressed tar of srcDir (named relative to root)
// to dstPath.
func tarGzDir(dstPath, root, srcDir string) error {
	if _, err := os.Stat(srcDir); err != nil {
		return err
	}

	out, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	walkErr := filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		tw.Close()
		gz.Close()
		return walkErr
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}
