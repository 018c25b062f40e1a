package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
)

// Entry describes one archive member as it streams past, without
// requiring its content to be buffered in memory.
type Entry struct {
	Path string
	Type byte // tar.TypeReg, tar.TypeDir, tar.TypeSymlink, ...
	Size int64

	tr *tar.Reader
}

// ByChunk reads up to len(buf) bytes of the entry's content into buf,
// returning (0, io.EOF) once the entry is exhausted. Call it repeatedly to
// stream an entry's bytes without materializing the whole file.
func (e *Entry) ByChunk(buf []byte) (int, error) {
	return e.tr.Read(buf)
}

// Reader iterates the entries of an archive in storage order, decoding the
// compression codec but never buffering the decompressed tar stream.
type Reader struct {
	file      *os.File
	closeComp func() error
	tr        *tar.Reader
}

// OpenReader opens archivePath (format inferred from its extension) for
// streaming entry iteration.
func OpenReader(archivePath string) (*Reader, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", archivePath, err)
	}
	decomp, closeFn, err := newDecompressReader(f, DetectFormat(archivePath))
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Reader{file: f, closeComp: closeFn, tr: tar.NewReader(decomp)}, nil
}

// Next advances to the next entry, returning io.EOF when the archive is
// exhausted.
func (r *Reader) Next() (*Entry, error) {
	header, err := r.tr.Next()
	if err != nil {
		return nil, err
	}
	return &Entry{Path: header.Name, Type: header.Typeflag, Size: header.Size, tr: r.tr}, nil
}

// Close releases the underlying file and compression resources.
func (r *Reader) Close() error {
	err := r.closeComp()
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// RegularFiles is a convenience wrapper over Next that returns every
// regular-file entry's path and size, skipping directories and symlinks.
// It streams each entry's content to discard it rather than buffering the
// archive, so memory use stays bounded regardless of archive size.
func RegularFiles(archivePath string) ([]Entry, error) {
	r, err := OpenReader(archivePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out []Entry
	buf := make([]byte, 32*1024)
	for {
		e, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if e.Type == tar.TypeReg {
			out = append(out, Entry{Path: e.Path, Type: e.Type, Size: e.Size})
		}
		for {
			_, rerr := e.ByChunk(buf)
			if rerr != nil {
				break
			}
		}
	}
	return out, nil
}
