package decisionlog

// ============================================================================
// Decision log core
// Responsibilities:
// 1. Append decision records as JSON lines (append-only)
// 2. Assign monotonically increasing sequence numbers and checksums
// 3. Replay the trail to rebuild orchestration state after a crash
// 4. fsync each append so a record is durable before state is persisted
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ChuLiYu/phase-pilot/pkg/types"
)

// maxRecordLine bounds one encoded record.
const maxRecordLine = 1 << 20

// logFile is the subset of *os.File the log writes through.
type logFile interface {
	io.Writer
	io.ReaderAt
	io.Seeker
	Sync() error
	Truncate(size int64) error
	Close() error
}

// Handler is called for every record during Replay. Returning an error stops
// the replay.
type Handler func(rec types.DecisionRecord) error

// Log is an append-only decision trail.
type Log struct {
	mu           sync.Mutex
	file         logFile
	path         string
	seq          uint64
	size         int64 // byte length of the durable, line-aligned prefix
	misaligned   bool  // a failed append could not be rolled back
	syncOnAppend bool
	closed       bool
}

// Open opens or creates the log at path and positions the sequence after the
// last intact record. A torn final line left by a crash mid-write is cut off
// so later appends stay line aligned.
func Open(path string, syncOnAppend bool) (*Log, error) {
	last, validSize, err := scan(path, nil)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open decision log: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat decision log: %w", err)
	}
	if info.Size() > validSize {
		if err := file.Truncate(validSize); err != nil {
			file.Close()
			return nil, fmt.Errorf("truncate torn tail: %w", err)
		}
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, fmt.Errorf("seek decision log: %w", err)
	}
	size, err := terminateLastLine(file, validSize)
	if err != nil {
		file.Close()
		return nil, err
	}

	return &Log{
		file:         file,
		path:         path,
		seq:          last,
		size:         size,
		syncOnAppend: syncOnAppend,
	}, nil
}

// Path returns the file path of the log.
func (l *Log) Path() string { return l.path }

// LastSeq returns the sequence number of the last appended record.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Append assigns the next sequence number and checksum to rec and writes it.
// rec is updated in place so the caller sees the stored values. A failed
// append is cut back off the file, so the next append reuses its sequence
// number and the log stays replayable.
func (l *Log) Append(rec *types.DecisionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}
	if l.misaligned {
		if err := l.rollback(); err != nil {
			return fmt.Errorf("realign decision log: %w", err)
		}
	}

	rec.Seq = l.seq + 1
	rec.Checksum = CalculateChecksum(*rec)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	data = append(data, '\n')

	if _, err := l.file.Write(data); err != nil {
		return l.abort(fmt.Errorf("append record seq=%d: %w", rec.Seq, err))
	}
	if l.syncOnAppend {
		if err := l.file.Sync(); err != nil {
			return l.abort(fmt.Errorf("sync record seq=%d: %w", rec.Seq, err))
		}
	}
	l.seq = rec.Seq
	l.size += int64(len(data))
	return nil
}

// abort undoes a partial append. When the file cannot be cut back the log is
// flagged and the next Append retries before writing.
func (l *Log) abort(err error) error {
	if rbErr := l.rollback(); rbErr != nil {
		l.misaligned = true
		return errors.Join(err, fmt.Errorf("roll back decision log: %w", rbErr))
	}
	return err
}

// rollback truncates the file to the last durable record and moves the
// write offset there.
func (l *Log) rollback() error {
	if err := l.file.Truncate(l.size); err != nil {
		return err
	}
	if _, err := l.file.Seek(l.size, io.SeekStart); err != nil {
		return err
	}
	l.misaligned = false
	return nil
}

// Replay reads every record from the start of the log, verifying checksums
// and sequence continuity.
func (l *Log) Replay(handler Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, _, err := scan(l.path, handler)
	return err
}

// Close syncs and closes the file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

// terminateLastLine appends a newline when the intact prefix ends with a
// record that was written without one. It returns the resulting file size.
func terminateLastLine(file *os.File, size int64) (int64, error) {
	if size == 0 {
		return 0, nil
	}
	buf := make([]byte, 1)
	if _, err := file.ReadAt(buf, size-1); err != nil {
		return 0, fmt.Errorf("read decision log tail: %w", err)
	}
	if buf[0] == '\n' {
		return size, nil
	}
	if _, err := file.Write([]byte{'\n'}); err != nil {
		return 0, fmt.Errorf("terminate decision log tail: %w", err)
	}
	return size + 1, nil
}

// ReadAll returns every record of the log at path. A missing file yields no
// records.
func ReadAll(path string) ([]types.DecisionRecord, error) {
	var out []types.DecisionRecord
	_, _, err := scan(path, func(rec types.DecisionRecord) error {
		out = append(out, rec)
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return out, err
}

// scan walks the log at path. It returns the last sequence number seen and
// the byte length of the intact prefix. An unterminated final line that does
// not decode is treated as a torn write and excluded; any other bad line is
// corruption.
func scan(path string, handler Handler) (uint64, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	var (
		last   uint64
		offset int64
		lineNo int
	)
	reader := bufio.NewReaderSize(f, 64*1024)
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > maxRecordLine {
			return last, offset, &CorruptionError{Line: lineNo + 1, Err: errors.New("line too long")}
		}
		if len(line) > 0 {
			lineNo++
			terminated := line[len(line)-1] == '\n'
			trimmed := bytes.TrimSpace(line)

			if len(trimmed) > 0 {
				var rec types.DecisionRecord
				if err := json.Unmarshal(trimmed, &rec); err != nil {
					if !terminated {
						return last, offset, nil
					}
					return last, offset, &CorruptionError{Line: lineNo, Err: err}
				}
				if err := VerifyChecksum(rec); err != nil {
					return last, offset, err
				}
				if rec.Seq != last+1 {
					return last, offset, fmt.Errorf("%w: expected seq=%d got seq=%d", ErrSequenceGap, last+1, rec.Seq)
				}
				if handler != nil {
					if err := handler(rec); err != nil {
						return last, offset, err
					}
				}
				last = rec.Seq
			}
			offset += int64(len(line))
		}

		if readErr == io.EOF {
			return last, offset, nil
		}
		if readErr != nil {
			return last, offset, readErr
		}
	}
}
