package tailer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/therealutkarshpriyadarshi/socpipe/internal/logging"
	"github.com/therealutkarshpriyadarshi/socpipe/pkg/types"
)

// Tracker remembers how far each file has been read and returns only the
// complete lines appended since the previous poll. Positions live in memory
// for the lifetime of the process.
type Tracker struct {
	mu        sync.Mutex
	positions map[string]*types.FilePosition

	logger           *logging.Logger
	detectTruncation bool
}

// Option configures a Tracker
type Option func(*Tracker)

// WithTruncationCheck makes Poll restart a file from the beginning when it
// shrank below the stored offset or was replaced by a new inode
func WithTruncationCheck() Option {
	return func(t *Tracker) {
		t.detectTruncation = true
	}
}

// NewTracker creates an empty tracker
func NewTracker(logger *logging.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = logging.Nop()
	}

	t := &Tracker{
		positions: make(map[string]*types.FilePosition),
		logger:    logger.WithComponent("tailer"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Poll reads path from its stored offset to EOF and returns the complete
// lines found there. A trailing line without its newline is left for a later
// poll. On any I/O error the stored offset is unchanged.
//
// Distinct paths may be polled concurrently; a single path must not be.
func (t *Tracker) Poll(path string) ([]types.RawRecord, error) {
	pos := t.position(path)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	offset := pos.Offset
	inode := getInode(stat)

	if t.detectTruncation && offset > 0 {
		switch {
		case stat.Size() < offset:
			t.logger.Warn().
				Str("path", path).
				Int64("offset", offset).
				Int64("size", stat.Size()).
				Msg("File truncated, restarting from beginning")
			offset = 0
		case pos.Inode != 0 && inode != 0 && pos.Inode != inode:
			t.logger.Warn().
				Str("path", path).
				Uint64("old_inode", pos.Inode).
				Uint64("new_inode", inode).
				Msg("File replaced, restarting from beginning")
			offset = 0
		}
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek %s: %w", path, err)
	}

	records, consumed, err := readRecords(bufio.NewReader(f), path, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	t.store(path, offset+consumed, inode)

	if len(records) > 0 {
		t.logger.Debug().
			Str("path", path).
			Int64("offset", offset+consumed).
			Int("lines", len(records)).
			Msg("Read new lines")
	}

	return records, nil
}

// readRecords splits everything after offset into newline-terminated lines
func readRecords(r *bufio.Reader, path string, offset int64) ([]types.RawRecord, int64, error) {
	var (
		records  []types.RawRecord
		consumed int64
	)

	for {
		line, err := r.ReadString('\n')
		if err == io.EOF {
			// line is an unterminated fragment, if anything
			return records, consumed, nil
		}
		if err != nil {
			return nil, 0, err
		}

		records = append(records, types.RawRecord{
			Source: path,
			Offset: offset + consumed,
			Length: len(line),
			Text:   line,
		})
		consumed += int64(len(line))
	}
}

// Offset returns the stored offset for path, zero when it was never polled
func (t *Tracker) Offset(path string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pos, ok := t.positions[path]; ok {
		return pos.Offset
	}
	return 0
}

// Positions returns a snapshot of every tracked file, sorted by path
func (t *Tracker) Positions() []types.FilePosition {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]types.FilePosition, 0, len(t.positions))
	for _, pos := range t.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Path < out[j].Path
	})
	return out
}

// Forget drops the stored position for path
func (t *Tracker) Forget(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.positions, path)
}

func (t *Tracker) position(path string) types.FilePosition {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pos, ok := t.positions[path]; ok {
		return *pos
	}
	return types.FilePosition{Path: path}
}

func (t *Tracker) store(path string, offset int64, inode uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.positions[path] = &types.FilePosition{
		Path:   path,
		Offset: offset,
		Inode:  inode,
	}
}
