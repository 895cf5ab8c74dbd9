// Package digest computes canonical sha256:<hex> content digests for
// in-memory byte slices and byte ranges of files on disk, the primary
// key used by the content-addressed cache and the OCI registry alike.
package digest

import (
	"fmt"
	"io"
	"os"

	opendigest "github.com/opencontainers/go-digest"

	"github.com/trycua/lume/lib/errs"
)

// Bytes returns the canonical digest of data.
func Bytes(data []byte) string {
	return opendigest.FromBytes(data).String()
}

// Reader returns the canonical digest of everything read from r.
func Reader(r io.Reader) (string, error) {
	d := opendigest.SHA256.Digester()
	if _, err := io.Copy(d.Hash(), r); err != nil {
		return "", &errs.DigestError{Kind: errs.FileReadError, Err: err}
	}
	return d.Digest().String(), nil
}

// Ranged returns the canonical digest of the byte range [offset,
// offset+size) of the file at path. size=0 returns the digest of empty
// data. Validates offset+size against the file's actual size.
func Ranged(path string, offset, size int64) (string, error) {
	if offset < 0 {
		return "", &errs.DigestError{Kind: errs.InvalidOffset, Err: fmt.Errorf("negative offset %d", offset)}
	}
	if size < 0 {
		return "", &errs.DigestError{Kind: errs.InvalidSize, Err: fmt.Errorf("negative size %d", size)}
	}
	if size == 0 {
		return Bytes(nil), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", &errs.DigestError{Kind: errs.FileReadError, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", &errs.DigestError{Kind: errs.FileReadError, Err: err}
	}
	if offset+size > info.Size() {
		return "", &errs.DigestError{Kind: errs.InvalidSize, Err: fmt.Errorf("range [%d,%d) exceeds file size %d", offset, offset+size, info.Size())}
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", &errs.DigestError{Kind: errs.FileReadError, Err: err}
	}

	d := opendigest.SHA256.Digester()
	if _, err := io.CopyN(d.Hash(), f, size); err != nil {
		return "", &errs.DigestError{Kind: errs.FileReadError, Err: err}
	}
	return d.Digest().String(), nil
}

// Verify reports whether the file at path matches the given canonical
// digest. Used lazily by the cache (I5) rather than on every read.
func Verify(path, wantDigest string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	got, err := Ranged(path, 0, info.Size())
	if err != nil {
		return false, err
	}
	return got == wantDigest, nil
}
