package metadata

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/ajitpratap0/sforce/pkg/sferrors"
)

// BuildArchive zips a metadata directory tree into a deployable archive.
// Paths inside the archive are relative to root, with forward slashes.
func BuildArchive(root string) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		f, err := w.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		_, err = f.Write(data)
		return err
	})
	if err != nil {
		w.Close()
		return nil, sferrors.Wrap(err, sferrors.KindGeneralError, "failed to build deploy archive")
	}
	if err := w.Close(); err != nil {
		return nil, sferrors.Wrap(err, sferrors.KindGeneralError, "failed to build deploy archive")
	}
	return buf.Bytes(), nil
}

// ExtractArchive unpacks a retrieved archive into dir, creating directories
// as needed. Entries that would escape dir are rejected.
func ExtractArchive(data []byte, dir string) error {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return sferrors.Wrap(err, sferrors.KindGeneralError, "failed to read retrieved archive")
	}

	for _, entry := range r.File {
		name := filepath.FromSlash(entry.Name)
		if strings.Contains(name, "..") {
			return sferrors.Newf(sferrors.KindGeneralError, "archive entry %s escapes target directory", entry.Name)
		}
		target := filepath.Join(dir, name)
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		src, err := entry.Open()
		if err != nil {
			return err
		}
		content, err := io.ReadAll(src)
		src.Close()
		if err != nil {
			return err
		}
		if err := os.WriteFile(target, content, 0o644); err != nil {
			return err
		}
	}
	return nil
}
