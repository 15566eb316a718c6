package service

import (
	"os"
	"sync"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	perr "cspipe/internal/platform/errors"

	"cspipe/internal/core/report"
)

// Spill appends shed violations to a zstd-compressed JSONL file so an
// operator can recover or inspect them after a broker outage. It is a
// forensics aid, not a durability mechanism; once the size cap is hit
// further records are silently discarded.
type Spill struct {
	mu      sync.Mutex
	file    *os.File
	enc     *zstd.Encoder
	written int64
	max     int64
}

// NewSpill opens (or creates) the spill file in append mode
func NewSpill(path string, maxBytes int64) (*Spill, error) {
	if path == "" {
		return nil, perr.InvalidArgf("spill path is empty")
	}
	if maxBytes <= 0 {
		maxBytes = 256 << 20
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "open spill file %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "stat spill file %s", path)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "zstd writer for %s", path)
	}

	return &Spill{file: f, enc: enc, written: info.Size(), max: maxBytes}, nil
}

// Append writes one violation as a JSON line
func (s *Spill) Append(v report.NormalizedViolation) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf = append(buf, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enc == nil {
		return perr.Unavailablef("spill file closed")
	}
	if s.written+int64(len(buf)) > s.max {
		return perr.Unavailablef("spill file full")
	}
	n, err := s.enc.Write(buf)
	s.written += int64(n)
	if err != nil {
		return err
	}
	// flush the frame per record so a crash before Close still leaves
	// everything spilled so far readable on disk
	return s.enc.Flush()
}

// Close flushes the compressor and closes the file
func (s *Spill) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enc == nil {
		return nil
	}
	err := s.enc.Close()
	s.enc = nil
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}
