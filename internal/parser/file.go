package parser

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/therealutkarshpriyadarshi/socpipe/internal/logging"
	"github.com/therealutkarshpriyadarshi/socpipe/pkg/types"
)

// FileResult is the outcome of parsing a complete log file
type FileResult struct {
	Source string
	Schema types.FieldSchema
	Events []types.Event
	Stats  types.ParserStats
}

// ParseFile reads and decodes a whole log file
func ParseFile(path string, logger *logging.Logger) (*FileResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	return ParseReader(f, path, logger)
}

// ParseReader decodes a complete log read from r. The schema comes from the
// header block; every data line is decoded against it.
func ParseReader(r io.Reader, source string, logger *logging.Logger) (*FileResult, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	lines, err := readLines(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", source, err)
	}

	var header []string
	for _, line := range lines {
		if strings.HasPrefix(line, CommentPrefix) {
			header = append(header, line)
		}
	}

	schema := ParseHeader(header)
	if len(schema) == 0 {
		return &FileResult{Source: source, Schema: schema}, fmt.Errorf("%s: %w", source, ErrSchemaMissing)
	}

	logger.Info().
		Str("source", source).
		Int("fields", len(schema)).
		Strs("names", schema).
		Msg("Parsed header")

	dec := NewDecoder(schema, source, logger)
	events := dec.DecodeAll(lines)

	logger.Info().
		Str("source", source).
		Int("events", len(events)).
		Int64("rejected", dec.Stats().Rejected).
		Msg("Parsed events")

	return &FileResult{
		Source: source,
		Schema: schema,
		Events: events,
		Stats:  dec.Stats(),
	}, nil
}

func readLines(r io.Reader) ([]string, error) {
	reader := bufio.NewReader(r)
	var lines []string
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			lines = append(lines, line)
		}
		if err == io.EOF {
			return lines, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
