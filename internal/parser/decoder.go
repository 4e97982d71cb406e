package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/therealutkarshpriyadarshi/socpipe/internal/logging"
	"github.com/therealutkarshpriyadarshi/socpipe/pkg/types"
)

// Null sentinels written by the sensor for unset and empty fields
const (
	SentinelUnset = "-"
	SentinelEmpty = "(empty)"
)

var (
	// ErrArityMismatch means a data line has a different column count than its schema
	ErrArityMismatch = errors.New("field count mismatch")
	// ErrNotRecord means the line is a comment or blank
	ErrNotRecord = errors.New("not a record line")
)

// ArityError describes a rejected line
type ArityError struct {
	Got  int
	Want int
}

func (e *ArityError) Error() string {
	return fmt.Sprintf("field count mismatch: %d vs %d", e.Got, e.Want)
}

// Is lets errors.Is match ErrArityMismatch
func (e *ArityError) Is(target error) bool {
	return target == ErrArityMismatch
}

// Coerce converts one raw column into a typed value. Sentinels become null,
// values with a decimal point are tried as floats, the rest as integers, and
// anything that fails to parse stays a string. Only decimal notation counts:
// hex floats stay strings, and single underscores between digits are
// accepted as digit separators.
func Coerce(raw string) types.Value {
	if raw == SentinelUnset || raw == SentinelEmpty {
		return types.Null()
	}

	num, ok := decimalDigits(raw)
	if !ok {
		return types.String(raw)
	}

	if strings.Contains(raw, ".") {
		if f, err := strconv.ParseFloat(num, 64); err == nil {
			return types.Float(f)
		}
		return types.String(raw)
	}

	if i, err := strconv.ParseInt(num, 10, 64); err == nil {
		return types.Int(i)
	}
	return types.String(raw)
}

// decimalDigits strips digit-separating underscores from raw. It reports
// false for hex notation and for underscores not flanked by digits.
func decimalDigits(raw string) (string, bool) {
	unsigned := strings.TrimLeft(raw, "+-")
	if len(unsigned) > 1 && unsigned[0] == '0' && (unsigned[1] == 'x' || unsigned[1] == 'X') {
		return "", false
	}
	if !strings.Contains(raw, "_") {
		return raw, true
	}

	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		if raw[i] != '_' {
			b.WriteByte(raw[i])
			continue
		}
		if i == 0 || i == len(raw)-1 || !isDigit(raw[i-1]) || !isDigit(raw[i+1]) {
			return "", false
		}
	}
	return b.String(), true
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// DecodeLine maps a data line onto schema
func DecodeLine(schema types.FieldSchema, line string) (types.Event, error) {
	if !IsRecordLine(line) {
		return types.Event{}, ErrNotRecord
	}

	values := strings.Split(trimLine(line), Separator)
	if len(values) != len(schema) {
		return types.Event{}, &ArityError{Got: len(values), Want: len(schema)}
	}

	event := types.NewEvent(len(schema))
	for i, name := range schema {
		event.Set(name, Coerce(values[i]))
	}
	return event, nil
}

// EncodeLine renders event back into a tab-separated line in schema order.
// Fields missing from the event are written as the unset sentinel.
func EncodeLine(schema types.FieldSchema, event types.Event) string {
	parts := make([]string, len(schema))
	for i, name := range schema {
		v, ok := event.Get(name)
		if !ok {
			parts[i] = SentinelUnset
			continue
		}
		parts[i] = v.Raw()
	}
	return strings.Join(parts, Separator)
}

// Decoder decodes lines against a fixed schema and logs rejections
type Decoder struct {
	schema types.FieldSchema
	logger *logging.Logger
	source string

	parsed   atomic.Int64
	rejected atomic.Int64
	skipped  atomic.Int64
}

// NewDecoder creates a decoder for one file's schema
func NewDecoder(schema types.FieldSchema, source string, logger *logging.Logger) *Decoder {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Decoder{
		schema: schema,
		source: source,
		logger: logger.WithComponent("decoder"),
	}
}

// Schema returns the decoder's schema
func (d *Decoder) Schema() types.FieldSchema {
	return d.schema
}

// Decode converts one line. ok is false for comments, blank lines and
// rejected lines; rejections are logged and counted.
func (d *Decoder) Decode(line string) (types.Event, bool) {
	event, err := DecodeLine(d.schema, line)
	if err == nil {
		d.parsed.Add(1)
		return event, true
	}

	if errors.Is(err, ErrNotRecord) {
		d.skipped.Add(1)
		return types.Event{}, false
	}

	d.rejected.Add(1)
	var arity *ArityError
	if errors.As(err, &arity) {
		d.logger.Warn().
			Str("source", d.source).
			Int("got", arity.Got).
			Int("want", arity.Want).
			Msg("Field count mismatch, dropping line")
	} else {
		d.logger.Warn().Err(err).Str("source", d.source).Msg("Failed to decode line")
	}
	return types.Event{}, false
}

// DecodeAll decodes every line, keeping only successfully decoded events
func (d *Decoder) DecodeAll(lines []string) []types.Event {
	events := make([]types.Event, 0, len(lines))
	for _, line := range lines {
		if event, ok := d.Decode(line); ok {
			events = append(events, event)
		}
	}
	return events
}

// Stats returns a snapshot of the decoder counters
func (d *Decoder) Stats() types.ParserStats {
	return types.ParserStats{
		Parsed:   d.parsed.Load(),
		Rejected: d.rejected.Load(),
		Skipped:  d.skipped.Load(),
	}
}
