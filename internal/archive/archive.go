// Package archive produces gzipped tar streams from a declared set of
// files and directory roots. It exposes a streaming sink so the backup
// engine can pipe archive bytes directly through the encryption step
// without buffering the whole archive in memory.
//
// No third-party tar/gzip library appears anywhere in the retrieval
// pack, so this builds on the standard library's archive/tar and
// compress/gzip — see DESIGN.md.
package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/savegress/backup-core/internal/errs"
)

// Entry is a single file to include in the archive, identified by the
// path it should appear under in the archive (logicalPath) and where
// its bytes live on disk (sourcePath).
type Entry struct {
	LogicalPath string
	SourcePath  string
}

// Root is a directory whose contents are walked recursively and added
// under Prefix (empty places them at the archive root).
type Root struct {
	Prefix     string
	SourceDir  string
}

// Write streams a gzipped tar archive containing every entry and every
// file under every root to w. File errors abort the archive; symbolic
// links are followed and archived as regular files.
func Write(w io.Writer, entries []Entry, roots []Root) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for _, e := range entries {
		if err := addFile(tw, e.LogicalPath, e.SourcePath); err != nil {
			return err
		}
	}

	for _, root := range roots {
		if err := addRoot(tw, root); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return errs.IO("archive-close", fmt.Errorf("close tar writer: %w", err))
	}
	if err := gz.Close(); err != nil {
		return errs.IO("archive-close", fmt.Errorf("close gzip writer: %w", err))
	}
	return nil
}

func addRoot(tw *tar.Writer, root Root) error {
	info, err := os.Stat(root.SourceDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.IO("archive-walk", fmt.Errorf("stat root %s: %w", root.SourceDir, err))
	}
	if !info.IsDir() {
		return addFile(tw, root.Prefix, root.SourceDir)
	}

	return filepath.Walk(root.SourceDir, func(path string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return errs.IO("archive-walk", fmt.Errorf("walk %s: %w", path, walkErr))
		}
		if fi.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root.SourceDir, path)
		if err != nil {
			return errs.IO("archive-walk", fmt.Errorf("relativize %s: %w", path, err))
		}
		logicalPath := filepath.ToSlash(filepath.Join(root.Prefix, rel))
		return addFile(tw, logicalPath, path)
	})
}

func addFile(tw *tar.Writer, logicalPath, sourcePath string) error {
	// Resolve symlinks so they are archived as regular files, per contract.
	resolved, err := filepath.EvalSymlinks(sourcePath)
	if err != nil {
		return errs.IO("archive-add", fmt.Errorf("resolve %s: %w", sourcePath, err))
	}

	f, err := os.Open(resolved)
	if err != nil {
		return errs.IO("archive-add", fmt.Errorf("open %s: %w", sourcePath, err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errs.IO("archive-add", fmt.Errorf("stat %s: %w", sourcePath, err))
	}

	hdr := &tar.Header{
		Name:    filepath.ToSlash(logicalPath),
		Mode:    0644,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return errs.IO("archive-add", fmt.Errorf("write header for %s: %w", logicalPath, err))
	}
	if _, err := io.Copy(tw, f); err != nil {
		return errs.IO("archive-add", fmt.Errorf("write data for %s: %w", logicalPath, err))
	}
	return nil
}

// PipeReader runs Write in a goroutine and returns a reader for the
// resulting gzipped tar stream, so the caller can pipe it directly into
// an encryption step without buffering the whole archive.
func PipeReader(entries []Entry, roots []Root) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		err := Write(pw, entries, roots)
		pw.CloseWithError(err)
	}()
	return pr
}

// ExtractTarGz extracts a gzipped tar stream into destDir, recreating
// the directory structure implied by each entry's name. Used by the
// recovery engine to unpack a decrypted backup archive into a staging
// area.
func ExtractTarGz(data []byte, destDir string) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return errs.IO("extract", fmt.Errorf("open gzip stream: %w", err))
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errs.IO("extract", fmt.Errorf("read tar entry: %w", err))
		}

		target := filepath.Join(destDir, filepath.Clean(hdr.Name))
		if !withinDir(destDir, target) {
			return errs.IO("extract", fmt.Errorf("entry %q escapes destination directory", hdr.Name))
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0750); err != nil {
				return errs.IO("extract", fmt.Errorf("mkdir %s: %w", target, err))
			}
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
				return errs.IO("extract", fmt.Errorf("mkdir %s: %w", filepath.Dir(target), err))
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
			if err != nil {
				return errs.IO("extract", fmt.Errorf("create %s: %w", target, err))
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return errs.IO("extract", fmt.Errorf("write %s: %w", target, err))
			}
			f.Close()
		}
	}
}

func withinDir(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
