// Package archive creates and extracts content-addressed tar archives.
// tar+xz is the primary format (publish archives and recipe packs always
// use it); tar.gz, tar.zst, and tar.lz are accepted as equivalents on
// read, selected by file extension. Both directions stream: Create tees
// the tar stream into a rolling SHA-256 digest without buffering the
// whole archive in memory, and Extract reads entries one at a time.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	lzip "github.com/sorairolake/lzip-go"
	"github.com/ulikunitz/xz"
)

// Format identifies a supported archive codec.
type Format int

const (
	FormatTarXZ Format = iota
	FormatTarGZ
	FormatTarZstd
	FormatTarLzip
	FormatTar
)

// DetectFormat infers a Format from an archive's file extension. Unknown
// extensions default to FormatTarXZ, the primary format.
func DetectFormat(name string) Format {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.xz"), strings.HasSuffix(lower, ".txz"):
		return FormatTarXZ
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatTarGZ
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return FormatTarZstd
	case strings.HasSuffix(lower, ".tar.lz"), strings.HasSuffix(lower, ".tlz"):
		return FormatTarLzip
	case strings.HasSuffix(lower, ".tar"):
		return FormatTar
	default:
		return FormatTarXZ
	}
}

// Create walks srcDir and writes a tar archive (compressed per the format
// inferred from archivePath's extension) to archivePath, preserving paths
// relative to srcDir. Returns the archive's SHA-256 digest, computed while
// streaming rather than by re-reading the finished file.
func Create(archivePath, srcDir string) (string, error) {
	return CreateWithFormat(archivePath, srcDir, DetectFormat(archivePath))
}

// CreateWithFormat is Create with an explicit Format, for callers (the
// registry's publish path) that need a format independent of the
// destination filename.
func CreateWithFormat(archivePath, srcDir string, format Format) (string, error) {
	if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return "", fmt.Errorf("archive: mkdir %s: %w", filepath.Dir(archivePath), err)
	}
	out, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("archive: create %s: %w", archivePath, err)
	}
	defer out.Close()

	digest := sha256.New()
	tee := io.MultiWriter(out, digest)

	comp, closeComp, err := newCompressWriter(tee, format)
	if err != nil {
		return "", err
	}

	tw := tar.NewWriter(comp)
	if err := writeTree(tw, srcDir); err != nil {
		tw.Close()
		closeComp()
		return "", err
	}
	if err := tw.Close(); err != nil {
		closeComp()
		return "", fmt.Errorf("archive: close tar writer: %w", err)
	}
	if err := closeComp(); err != nil {
		return "", fmt.Errorf("archive: close compressor: %w", err)
	}

	return hex.EncodeToString(digest.Sum(nil)), nil
}

func newCompressWriter(w io.Writer, format Format) (io.Writer, func() error, error) {
	switch format {
	case FormatTarGZ:
		gz := gzip.NewWriter(w)
		return gz, gz.Close, nil
	case FormatTarZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, nil, fmt.Errorf("archive: zstd writer: %w", err)
		}
		return zw, zw.Close, nil
	case FormatTarLzip:
		lw := lzip.NewWriter(w)
		return lw, lw.Close, nil
	case FormatTar:
		return w, func() error { return nil }, nil
	default:
		xw, err := xz.NewWriter(w)
		if err != nil {
			return nil, nil, fmt.Errorf("archive: xz writer: %w", err)
		}
		return xw, xw.Close, nil
	}
}

func writeTree(tw *tar.Writer, srcDir string) error {
	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			link, err = os.Readlink(path)
			if err != nil {
				return err
			}
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		header.Name = rel
		if info.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return err
			}
		}
		return nil
	})
}

// Extract unpacks archivePath (format inferred from its extension) into
// destDir, which is created if necessary. Entry paths are validated to
// stay within destDir and symlink targets are validated not to escape it,
// guarding against path-traversal and symlink-escape archives.
func Extract(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", archivePath, err)
	}
	defer f.Close()

	tr, closeSrc, err := newDecompressReader(f, DetectFormat(archivePath))
	if err != nil {
		return err
	}
	defer closeSrc()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("archive: mkdir %s: %w", destDir, err)
	}

	return extractTarReader(tar.NewReader(tr), destDir)
}

func newDecompressReader(r io.Reader, format Format) (io.Reader, func() error, error) {
	noop := func() error { return nil }
	switch format {
	case FormatTarGZ:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("archive: gzip reader: %w", err)
		}
		return gz, gz.Close, nil
	case FormatTarZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("archive: zstd reader: %w", err)
		}
		return zr, func() error { zr.Close(); return nil }, nil
	case FormatTarLzip:
		lr, err := lzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("archive: lzip reader: %w", err)
		}
		return lr, noop, nil
	case FormatTar:
		return r, noop, nil
	default:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("archive: xz reader: %w", err)
		}
		return xr, noop, nil
	}
}

func extractTarReader(tr *tar.Reader, destDir string) error {
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive: read tar header: %w", err)
		}

		rel := strings.TrimPrefix(header.Name, "./")
		target := filepath.Join(destDir, rel)
		if !isPathWithinDirectory(target, destDir) {
			return fmt.Errorf("archive: entry escapes destination: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("archive: mkdir %s: %w", target, err)
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("archive: mkdir %s: %w", filepath.Dir(target), err)
			}
			mode := header.FileInfo().Mode().Perm()
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
			if err != nil {
				return fmt.Errorf("archive: create %s: %w", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("archive: write %s: %w", target, err)
			}
			if err := out.Close(); err != nil {
				return err
			}
			_ = os.Chtimes(target, header.ModTime, header.ModTime)

		case tar.TypeSymlink:
			if err := validateSymlinkTarget(header.Linkname, target, destDir); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := atomicSymlink(header.Linkname, target); err != nil {
				return fmt.Errorf("archive: symlink %s: %w", target, err)
			}
		}
	}
}

// isPathWithinDirectory reports whether targetPath resolves to a location
// inside basePath.
func isPathWithinDirectory(targetPath, basePath string) bool {
	absTarget, err := filepath.Abs(targetPath)
	if err != nil {
		return false
	}
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return false
	}
	return absTarget == absBase || strings.HasPrefix(absTarget, absBase+string(os.PathSeparator))
}

// validateSymlinkTarget rejects absolute symlink targets and any relative
// target that would resolve outside destPath.
func validateSymlinkTarget(linkTarget, linkLocation, destPath string) error {
	if filepath.IsAbs(linkTarget) {
		return fmt.Errorf("archive: absolute symlink target not allowed: %s -> %s", linkLocation, linkTarget)
	}
	resolved := filepath.Join(filepath.Dir(linkLocation), linkTarget)
	if !isPathWithinDirectory(resolved, destPath) {
		return fmt.Errorf("archive: symlink escapes destination: %s -> %s", linkLocation, linkTarget)
	}
	return nil
}

// atomicSymlink creates linkPath -> target via a temp-name-then-rename so a
// concurrent reader never observes a partially-created symlink.
func atomicSymlink(target, linkPath string) error {
	tmp := linkPath + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, linkPath); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
