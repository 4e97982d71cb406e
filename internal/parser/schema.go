package parser

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/therealutkarshpriyadarshi/socpipe/pkg/types"
)

const (
	// FieldsMarker opens the header line that declares column names
	FieldsMarker = "#fields"
	// CommentPrefix marks header and footer lines
	CommentPrefix = "#"
	// Separator splits both header and data lines
	Separator = "\t"

	// maxHeaderLine bounds the header block read by ReadHeader
	maxHeaderLine = 1 << 20
)

var (
	// ErrSchemaMissing means a file has no #fields header
	ErrSchemaMissing = errors.New("no #fields header found")
	// ErrHeaderIncomplete means the header block ends in a line with no
	// newline yet
	ErrHeaderIncomplete = errors.New("header line not yet terminated")
)

// ParseHeader extracts the field names from the first #fields line.
// It returns an empty schema when no usable header exists.
func ParseHeader(lines []string) types.FieldSchema {
	for _, line := range lines {
		if !strings.HasPrefix(line, FieldsMarker) {
			continue
		}

		line = trimLine(line)
		_, rest, found := strings.Cut(line, Separator)
		if !found {
			return types.FieldSchema{}
		}
		rest = strings.TrimSpace(rest)
		if rest == "" {
			return types.FieldSchema{}
		}
		return types.FieldSchema(strings.Split(rest, Separator))
	}
	return types.FieldSchema{}
}

// ReadHeader reads the leading comment block from r and parses it.
// Reading stops at the first data line, so large files are not scanned.
// Only newline-terminated lines count: a file whose header is still being
// written returns ErrHeaderIncomplete.
func ReadHeader(r io.Reader) (types.FieldSchema, error) {
	reader := bufio.NewReaderSize(r, 64*1024)

	var (
		header []string
		read   int
	)
	for {
		line, err := reader.ReadString('\n')
		read += len(line)
		if read > maxHeaderLine {
			return nil, fmt.Errorf("failed to read header: exceeds %d bytes", maxHeaderLine)
		}
		if err == io.EOF {
			if strings.HasPrefix(line, CommentPrefix) || (line != "" && strings.TrimSpace(line) == "") {
				return nil, ErrHeaderIncomplete
			}
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read header: %w", err)
		}

		if strings.TrimSpace(line) == "" {
			continue
		}
		if !strings.HasPrefix(line, CommentPrefix) {
			break
		}
		header = append(header, line)
		if strings.HasPrefix(line, FieldsMarker) {
			break
		}
	}

	schema := ParseHeader(header)
	if len(schema) == 0 {
		return schema, ErrSchemaMissing
	}
	return schema, nil
}

// IsRecordLine reports whether line carries data (not a comment, not blank)
func IsRecordLine(line string) bool {
	return !strings.HasPrefix(line, CommentPrefix) && strings.TrimSpace(line) != ""
}

// trimLine drops the line terminator and all trailing whitespace, tabs
// included. Zeek writes empty columns as (empty), never as a bare tab.
func trimLine(line string) string {
	return strings.TrimRightFunc(line, unicode.IsSpace)
}
