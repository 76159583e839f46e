package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// FileStore persists entries as line-delimited JSON, one record per line.
//
// Each record is written with a single write on an O_APPEND descriptor and fsynced
// before Append returns. The newline is the commit point: an unterminated trailing
// line is a torn record and is reported as corruption. The file is never rewritten
// or truncated.
type FileStore struct {
	path      string
	readOnly  bool
	mu        sync.Mutex
	file      *os.File
	committed atomic.Int64
}

// OpenFileStore opens (creating if needed) a writable ledger file.
func OpenFileStore(path string) (*FileStore, error) {
	//nolint:gosec // G301: ledger directory is shared with forensic readers
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: ensure directory: %w", err)
	}
	//nolint:gosec // G304: path comes from operator configuration
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	size, err := committedSize(path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	s := &FileStore{path: path, file: f}
	s.committed.Store(size)
	return s, nil
}

// OpenFileStoreReadOnly opens a ledger file for inspection only.
func OpenFileStoreReadOnly(path string) (*FileStore, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	return &FileStore{path: path, readOnly: true}, nil
}

// committedSize returns the file size, refusing a file that ends in a torn record.
func committedSize(path string) (int64, error) {
	//nolint:gosec // G304: path comes from operator configuration
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("ledger: stat %s: %w", path, err)
	}
	size := info.Size()
	if size == 0 {
		return 0, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return 0, fmt.Errorf("ledger: read tail of %s: %w", path, err)
	}
	if last[0] != '\n' {
		return 0, fmt.Errorf("%w: %s does not end with a complete record", ErrTornRecord, path)
	}
	return size, nil
}

// Path returns the ledger file path.
func (s *FileStore) Path() string { return s.path }

// Snapshot returns a copy of the committed bytes, damaged records included.
func (s *FileStore) Snapshot(_ context.Context) ([]byte, error) {
	//nolint:gosec // G304: path comes from operator configuration
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("ledger: read %s: %w", s.path, err)
	}
	if !s.readOnly {
		if n := s.committed.Load(); int64(len(data)) > n {
			data = data[:n]
		}
	}
	return data, nil
}

// Append writes e as one line and fsyncs.
func (s *FileStore) Append(_ context.Context, e Entry) error {
	if s.readOnly {
		return ErrReadOnly
	}
	line, err := encodeLine(e)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return errors.New("ledger: store closed")
	}
	n, err := s.file.Write(line)
	if err != nil {
		return fmt.Errorf("ledger: write %s: %w", s.path, err)
	}
	if n != len(line) {
		return fmt.Errorf("ledger: short write to %s: %d of %d bytes", s.path, n, len(line))
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("ledger: fsync %s: %w", s.path, err)
	}
	s.committed.Add(int64(n))
	return nil
}

// Scan reads committed records in order. Records before from are skipped but still
// counted so yielded sequences match line positions.
func (s *FileStore) Scan(ctx context.Context, from uint64) Seq {
	return func(yield func(Entry, error) bool) {
		//nolint:gosec // G304: path comes from operator configuration
		f, err := os.Open(s.path)
		if err != nil {
			yield(Entry{}, fmt.Errorf("ledger: open %s: %w", s.path, err))
			return
		}
		defer func() { _ = f.Close() }()

		var src io.Reader = f
		if !s.readOnly {
			src = io.LimitReader(f, s.committed.Load())
		}
		reader := bufio.NewReaderSize(src, 64*1024)

		for index := uint64(0); ; index++ {
			if err := ctx.Err(); err != nil {
				yield(Entry{}, err)
				return
			}
			line, err := reader.ReadBytes('\n')
			if errors.Is(err, io.EOF) {
				if len(line) == 0 {
					return
				}
				if index >= from {
					yield(Entry{}, &IntegrityError{Sequence: index, Reason: "torn record", Err: ErrTornRecord})
				}
				return
			}
			if err != nil {
				yield(Entry{}, fmt.Errorf("ledger: read %s: %w", s.path, err))
				return
			}
			if index < from {
				continue
			}
			entry, err := decodeLine(line[:len(line)-1], index)
			if !yield(entry, err) {
				return
			}
		}
	}
}

// Close releases the append descriptor.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// MarshalLine encodes e exactly as it is stored: one JSON object and a newline.
func (e Entry) MarshalLine() ([]byte, error) {
	return encodeLine(e)
}

func encodeLine(e Entry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("%w: encode record: %v", ErrInvalidEntry, err)
	}
	return buf.Bytes(), nil
}

// decodeLine parses a record and requires it to be byte-identical to its own
// re-encoding, so no variant spelling of a record can verify.
func decodeLine(line []byte, index uint64) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return Entry{}, &IntegrityError{Sequence: index, Reason: "record is not valid JSON", Err: err}
	}
	encoded, err := encodeLine(e)
	if err != nil {
		return Entry{}, &IntegrityError{Sequence: index, Reason: "record cannot be re-encoded", Err: err}
	}
	if !bytes.Equal(encoded[:len(encoded)-1], line) {
		return Entry{}, &IntegrityError{Sequence: index, Reason: "record is not in canonical encoding"}
	}
	return e, nil
}
