package downloader

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Unzip extracts zipFile under targetDir, creating directories as needed.
//
// Entries whose path would escape targetDir (e.g.: "../x") are rejected with an error.
func Unzip(zipFile, targetDir string) error {
	r, err := zip.OpenReader(zipFile)
	if err != nil {
		return errors.Wrapf(err, "failed to open zip file %q", zipFile)
	}
	defer func() { _ = r.Close() }()

	targetDir = filepath.Clean(targetDir)
	if err = os.MkdirAll(targetDir, 0777); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", targetDir)
	}
	var count int
	for _, f := range r.File {
		dst := filepath.Join(targetDir, f.Name)
		if dst != targetDir && !strings.HasPrefix(dst, targetDir+string(os.PathSeparator)) {
			return errors.Errorf("zip file %q has entry %q that escapes the target directory %q", zipFile, f.Name, targetDir)
		}
		if f.FileInfo().IsDir() {
			if err = os.MkdirAll(dst, 0777); err != nil {
				return errors.Wrapf(err, "failed to create directory %q", dst)
			}
			continue
		}
		if err = extractFile(f, dst); err != nil {
			return errors.WithMessagef(err, "while unzipping %q", zipFile)
		}
		count++
	}
	klog.V(1).Infof("unzipped %d files from %q into %q", count, zipFile, targetDir)
	return nil
}

func extractFile(f *zip.File, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0777); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", filepath.Dir(dst))
	}
	src, err := f.Open()
	if err != nil {
		return errors.Wrapf(err, "failed to open entry %q", f.Name)
	}
	defer func() { _ = src.Close() }()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", dst)
	}
	if _, err = io.Copy(out, src); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "failed to extract %q", f.Name)
	}
	return errors.Wrapf(out.Close(), "failed to close %q", dst)
}
