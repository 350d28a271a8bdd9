// Package archive exports a completed run's evidence tree as a tar.gz for
// handoff to case management.
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/evidentia/memtriage/pkg/logger"
)

// Create writes a gzip-compressed tarball of the evidence directory at
// srcDir. Paths inside the archive are rooted at the directory's base name so
// extraction yields a single top-level folder. The destination must not sit
// inside srcDir.
func Create(srcDir, destPath string) error {
	info, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("reading evidence directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", srcDir)
	}
	absSrc, err := filepath.Abs(srcDir)
	if err != nil {
		return err
	}
	absDest, err := filepath.Abs(destPath)
	if err != nil {
		return err
	}
	if strings.HasPrefix(absDest, absSrc+string(filepath.Separator)) {
		return fmt.Errorf("archive destination %s is inside the source tree", destPath)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	tw := tar.NewWriter(gw)

	base := filepath.Base(absSrc)
	var files int
	err = filepath.Walk(absSrc, func(path string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(absSrc, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(filepath.Join(base, rel))

		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = name
		if fi.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return err
		}
		files++
		return nil
	})
	if err != nil {
		return fmt.Errorf("archiving %s: %w", srcDir, err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("finalizing tar stream: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("finalizing gzip stream: %w", err)
	}

	logger.InfoCF("archive", "evidence archived", map[string]any{
		"source":  srcDir,
		"archive": destPath,
		"files":   files,
	})
	return nil
}
