package partstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/partdl/internal/segments"
	"github.com/tanq16/partdl/internal/utils"
)

// DiskStore keeps parts as <dir>/.partdl-temp/<name>.partN next to the
// output file. Partial parts are appended to on resume.
type DiskStore struct {
	dir    string
	prefix string
	claims claims
}

// NewDiskStore creates the temp directory lazily on the first write.
func NewDiskStore(outputPath string) (*DiskStore, error) {
	if outputPath == "" {
		return nil, fmt.Errorf("disk store needs an output path")
	}
	return &DiskStore{dir: utils.PartsDir(outputPath), prefix: utils.PartPrefix(outputPath)}, nil
}

func (d *DiskStore) String() string {
	return filepath.Join(d.dir, d.prefix+"*")
}

func (d *DiskStore) partPath(index int) string {
	return filepath.Join(d.dir, fmt.Sprintf("%s%d", d.prefix, index))
}

func (d *DiskStore) OpenForWrite(ctx context.Context, seg *segments.Segment, resume bool) (PartWriter, error) {
	if err := d.claims.acquire(seg.Index); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		d.claims.release(seg.Index)
		return nil, fmt.Errorf("error creating temp directory: %v", err)
	}
	path := d.partPath(seg.Index)
	var offset int64
	flag := os.O_WRONLY | os.O_CREATE
	if resume {
		if info, err := os.Stat(path); err == nil && info.Size() <= seg.ExpectedSize {
			offset = info.Size()
		}
	}
	if offset > 0 {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flag, 0644)
	if os.IsNotExist(err) {
		// another output's cleanup removed the shared temp directory
		if err = os.MkdirAll(d.dir, 0755); err == nil {
			f, err = os.OpenFile(path, flag, 0644)
		}
	}
	if err != nil {
		d.claims.release(seg.Index)
		return nil, fmt.Errorf("error opening part file: %v", err)
	}
	if offset > 0 {
		log.Debug().Str("op", "partstore/disk").Msgf("resuming part %d from offset %d", seg.Index, offset)
	}
	return &diskWriter{file: f, offset: offset, release: func() { d.claims.release(seg.Index) }}, nil
}

func (d *DiskStore) Finalize(ctx context.Context, seg *segments.Segment) error {
	return checkFinal(ctx, d, seg)
}

func (d *DiskStore) SizeOf(ctx context.Context, index int) (int64, error) {
	info, err := os.Stat(d.partPath(index))
	if os.IsNotExist(err) {
		return 0, ErrPartNotFound
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (d *DiskStore) Exists(ctx context.Context, index int) (bool, error) {
	_, err := d.SizeOf(ctx, index)
	if err == ErrPartNotFound {
		return false, nil
	}
	return err == nil, err
}

func (d *DiskStore) OpenForRead(ctx context.Context, index int) (io.ReadCloser, error) {
	f, err := os.Open(d.partPath(index))
	if os.IsNotExist(err) {
		return nil, ErrPartNotFound
	}
	return f, err
}

func (d *DiskStore) Remove(ctx context.Context, index int) error {
	err := os.Remove(d.partPath(index))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Cleanup removes every part of this namespace, including stray indices
// left behind by a different segmentation.
func (d *DiskStore) Cleanup(ctx context.Context) error {
	files, err := os.ReadDir(d.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, file := range files {
		if !strings.HasPrefix(file.Name(), d.prefix) {
			continue
		}
		if _, ok := utils.PartIndex(file.Name()); !ok {
			continue
		}
		if err := os.Remove(filepath.Join(d.dir, file.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	remaining, err := os.ReadDir(d.dir)
	if err == nil && len(remaining) == 0 {
		return os.Remove(d.dir)
	}
	return nil
}

func (d *DiskStore) Close() error { return nil }

type diskWriter struct {
	file    *os.File
	offset  int64
	release func()
}

func (w *diskWriter) Write(p []byte) (int, error) {
	return w.file.Write(p)
}

func (w *diskWriter) Offset() int64 { return w.offset }

func (w *diskWriter) Close() error {
	defer w.release()
	syncErr := w.file.Sync()
	if err := w.file.Close(); err != nil {
		return err
	}
	return syncErr
}
