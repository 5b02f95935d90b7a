package cache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	json "github.com/goccy/go-json"

	"github.com/coachpo/fieldgate/errs"
	"github.com/coachpo/fieldgate/internal/domain/content"
)

const (
	metadataDir = "metadata"
	contentDir  = "content"
	tmpSuffix   = ".tmp"
	metaSuffix  = ".json"
	filePerm    = 0o640
	dirPerm     = 0o750
)

// writeFileAtomic writes through a temp file that is synced and renamed into place.
func writeFileAtomic(path string, write func(io.Writer) error) (int64, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*"+tmpSuffix)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	counter := &countingWriter{w: tmp}
	if err := write(counter); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("persist %q: %w", path, err)
	}
	if err := syncDir(dir); err != nil {
		return 0, err
	}
	return counter.n, nil
}

func syncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %q: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir %q: %w", dir, err)
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func copyFile(dst io.Writer, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	_, err = io.Copy(dst, in)
	return err
}

func encodeValues(w io.Writer, values []content.TimeValue) error {
	return json.NewEncoder(w).Encode(values)
}

func decodeValues(path string) ([]content.TimeValue, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var values []content.TimeValue
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("decode values %q: %w", path, err)
	}
	return values, nil
}

func metadataName(id uint64) string {
	return fmt.Sprintf("%020d%s", id, metaSuffix)
}

func parseMetadataName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, metaSuffix) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(name, metaSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func writeMetadata(path string, meta content.Metadata) error {
	_, err := writeFileAtomic(path, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(meta)
	})
	return err
}

func readMetadata(path string) (content.Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return content.Metadata{}, err
	}
	var meta content.Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return content.Metadata{}, err
	}
	return meta, nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// storageError maps disk-full conditions to capacity errors.
func storageError(component, op string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return errs.New(component, errs.CodeCapacity, errs.WithMessage(op+": disk full"), errs.WithCause(err))
	}
	return fmt.Errorf("%s: %w", op, err)
}
