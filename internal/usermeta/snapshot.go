package usermeta

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"
)

// registerFastDeflate swaps archive/zip's deflate implementation for
// klauspost/compress's, which is a faster drop-in for the stdlib
// compress/flate archive/zip otherwise uses internally.
func registerFastDeflate(w *zip.Writer) {
	w.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.DefaultCompression)
	})
}

func registerFastInflate(r *zip.Reader) {
	r.RegisterDecompressor(zip.Deflate, func(in io.Reader) io.ReadCloser {
		return flate.NewReader(in)
	})
}

// SnapshotDir streams dir's contents (recursively) into w as a zip
// archive, for RepairProcess to push a metadata store to a peer that
// is missing or behind it (spec §4.9, §9 "zip/unzip replaced").
func SnapshotDir(dir string, w io.Writer) error {
	zw := zip.NewWriter(w)
	registerFastDeflate(zw)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		fw, createErr := zw.Create(rel)
		if createErr != nil {
			return createErr
		}
		f, openErr := os.Open(path)
		if openErr != nil {
			return openErr
		}
		defer f.Close()
		_, copyErr := io.Copy(fw, f)
		return copyErr
	})
	if err != nil {
		zw.Close()
		return fmt.Errorf("usermeta: snapshotting %s: %w", dir, err)
	}
	return zw.Close()
}

// RestoreSnapshot unpacks a zip archive (as produced by SnapshotDir)
// read from r into dir, overwriting any existing content there (spec
// §4.9 "RestoreMetadata").
func RestoreSnapshot(r io.ReaderAt, size int64, dir string) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return fmt.Errorf("usermeta: reading snapshot: %w", err)
	}
	registerFastInflate(zr)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("usermeta: mkdir %s: %w", dir, err)
	}

	for _, f := range zr.File {
		target := filepath.Join(dir, f.Name)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("usermeta: mkdir for %s: %w", target, err)
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("usermeta: opening %s in snapshot: %w", f.Name, err)
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			rc.Close()
			return fmt.Errorf("usermeta: creating %s: %w", target, err)
		}
		_, copyErr := io.Copy(out, rc)
		rc.Close()
		closeErr := out.Close()
		if copyErr != nil {
			return fmt.Errorf("usermeta: writing %s: %w", target, copyErr)
		}
		if closeErr != nil {
			return fmt.Errorf("usermeta: closing %s: %w", target, closeErr)
		}
	}
	return nil
}
