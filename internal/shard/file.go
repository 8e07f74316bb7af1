package shard

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
)

const (
	fileMagic   = "RVEC"
	fileVersion = uint32(1)
)

// shardFilePattern matches index_YYYYMMDD.vec.
var shardFilePattern = regexp.MustCompile(`^index_(\d{8})\.vec$`)

type fileHeader struct {
	Magic   [4]byte
	Version uint32
	Dim     uint32
	Count   uint64
}

func shardFileName(date Date) string {
	return "index_" + date.Compact() + ".vec"
}

// writeShardFile atomically replaces path with the encoded vectors.
func writeShardFile(path string, dim int, count int64, data []float32) error {
	tmpPath := path + ".tmp." + randomSuffix()
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("creating shard file: %w", err)
	}

	fail := func(err error) error {
		f.Close()
		os.Remove(tmpPath)
		return err
	}

	w := bufio.NewWriter(f)
	hdr := fileHeader{Version: fileVersion, Dim: uint32(dim), Count: uint64(count)}
	copy(hdr.Magic[:], fileMagic)
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return fail(fmt.Errorf("writing shard header: %w", err))
	}
	if err := binary.Write(w, binary.LittleEndian, data[:count*int64(dim)]); err != nil {
		return fail(fmt.Errorf("writing shard vectors: %w", err))
	}
	if err := w.Flush(); err != nil {
		return fail(fmt.Errorf("flushing shard file: %w", err))
	}
	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("syncing shard file: %w", err))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing shard file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("finalizing shard file: %w", err)
	}
	return syncDir(filepath.Dir(path))
}

// readShardFile decodes a shard file, returning its dimension, count and data.
func readShardFile(path string) (int, int64, []float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var hdr fileHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return 0, 0, nil, fmt.Errorf("%w: %s: header: %v", ErrCorruptShard, filepath.Base(path), err)
	}
	if string(hdr.Magic[:]) != fileMagic {
		return 0, 0, nil, fmt.Errorf("%w: %s: bad magic", ErrCorruptShard, filepath.Base(path))
	}
	if hdr.Version != fileVersion {
		return 0, 0, nil, fmt.Errorf("%w: %s: unsupported version %d", ErrCorruptShard, filepath.Base(path), hdr.Version)
	}
	if hdr.Dim == 0 && hdr.Count > 0 {
		return 0, 0, nil, fmt.Errorf("%w: %s: zero dimension", ErrCorruptShard, filepath.Base(path))
	}

	info, err := f.Stat()
	if err != nil {
		return 0, 0, nil, err
	}
	want := int64(binary.Size(hdr)) + int64(hdr.Count)*int64(hdr.Dim)*4
	if info.Size() != want {
		return 0, 0, nil, fmt.Errorf("%w: %s: size %d, want %d", ErrCorruptShard, filepath.Base(path), info.Size(), want)
	}

	data := make([]float32, int64(hdr.Count)*int64(hdr.Dim))
	if err := binary.Read(r, binary.LittleEndian, data); err != nil && err != io.EOF {
		return 0, 0, nil, fmt.Errorf("%w: %s: vectors: %v", ErrCorruptShard, filepath.Base(path), err)
	}
	return int(hdr.Dim), int64(hdr.Count), data, nil
}

// syncDir fsyncs a directory so a rename survives a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening shard dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("syncing shard dir: %w", err)
	}
	return nil
}

func randomSuffix() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
