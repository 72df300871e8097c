package backup

import (
	"archive/tar"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/havenlabs/haven/pkg/errdefs"
)

// root is one filesystem tree (or single file) included in an archive,
// stored under Name inside the tarball.
type root struct {
	Path string
	Name string
}

// excludedDirNames are directory names skipped during archiving. These
// hold service data volumes, which are too large and too hot to back up
// alongside configuration.
var excludedDirNames = map[string]bool{
	"data":    true,
	"volumes": true,
	"cache":   true,
}

// writeArchive writes a gzipped tarball of the given roots to w.
// Missing roots are skipped: a module without a config directory is
// normal, not an error.
func writeArchive(w io.Writer, roots []root) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for _, r := range roots {
		if err := addRoot(tw, r); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return errdefs.NewInternal("finalize tar stream", err)
	}
	if err := gz.Close(); err != nil {
		return errdefs.NewInternal("finalize gzip stream", err)
	}
	return nil
}

func addRoot(tw *tar.Writer, r root) error {
	info, err := os.Stat(r.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errdefs.NewInternal("stat archive root", err)
	}

	if !info.IsDir() {
		return addFile(tw, r.Path, r.Name, info)
	}

	return filepath.WalkDir(r.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errdefs.NewInternal("walk archive root", err)
		}
		if d.IsDir() {
			if path != r.Path && excludedDirNames[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(r.Path, path)
		if err != nil {
			return errdefs.NewInternal("resolve archive path", err)
		}
		fi, err := d.Info()
		if err != nil {
			return errdefs.NewInternal("stat archive entry", err)
		}
		return addFile(tw, path, filepath.ToSlash(filepath.Join(r.Name, rel)), fi)
	})
}

func addFile(tw *tar.Writer, path, name string, info fs.FileInfo) error {
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return errdefs.NewInternal("build tar header", err)
	}
	header.Name = strings.TrimPrefix(name, "/")

	if err := tw.WriteHeader(header); err != nil {
		return errdefs.NewInternal("write tar header", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return errdefs.NewInternal("open archive entry", err)
	}
	defer f.Close()

	if _, err := io.Copy(tw, f); err != nil {
		return errdefs.NewInternal("write tar entry", err)
	}
	return nil
}
