package types

import "encoding/json"

// FieldSchema is the ordered list of column names declared by a log header
type FieldSchema []string

// RawRecord is one line read from a log file together with its byte range
type RawRecord struct {
	Source string `json:"source"`
	Offset int64  `json:"offset"`
	Length int    `json:"length"`
	Text   string `json:"text"`
}

// End returns the offset just past the record
func (r RawRecord) End() int64 {
	return r.Offset + int64(r.Length)
}

// FilePosition tracks the current position in a file
type FilePosition struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Inode  uint64 `json:"inode"`
}

// ParserStats tracks decoder outcomes
type ParserStats struct {
	Parsed   int64 `json:"parsed"`
	Rejected int64 `json:"rejected"`
	Skipped  int64 `json:"skipped"`
}

// Outcome status values reported by the enrichment sink
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// ItemOutcome is the per-event result reported by the enrichment sink
type ItemOutcome struct {
	Status string `json:"status"`
	UID    string `json:"uid,omitempty"`
	Error  string `json:"error,omitempty"`
}

// UnmarshalJSON accepts uid and error as any JSON scalar. A sink that echoes
// a numeric uid still yields a usable outcome; scalars keep their raw form.
func (o *ItemOutcome) UnmarshalJSON(data []byte) error {
	var wire struct {
		Status string          `json:"status"`
		UID    json.RawMessage `json:"uid"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	o.Status = wire.Status
	o.UID = scalarText(wire.UID)
	o.Error = scalarText(wire.Error)
	return nil
}

// scalarText renders a JSON scalar as text: "" for null or absent, the raw
// JSON for anything that is not a scalar
func scalarText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v Value
	if err := v.UnmarshalJSON(raw); err != nil {
		return string(raw)
	}
	if v.IsNull() {
		return ""
	}
	return v.Raw()
}

// BatchResult summarises one dispatch call
type BatchResult struct {
	// Total is the number of records handed to the dispatcher
	Total int `json:"total"`
	// Sent is the number of records in chunks the sink answered with 200
	Sent int `json:"sent"`
	// Succeeded and Failed are the sink's own per-event counters
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// Chunks is the number of chunk requests attempted
	Chunks   int           `json:"chunks"`
	Outcomes []ItemOutcome `json:"outcomes,omitempty"`
	// Err is the failure that aborted the dispatch, if any
	Err error `json:"-"`
}

// Success reports whether every chunk was accepted
func (r BatchResult) Success() bool {
	return r.Err == nil
}

// AllAccepted reports whether every record was delivered and indexed
func (r BatchResult) AllAccepted() bool {
	return r.Err == nil && r.Sent == r.Total && r.Succeeded == r.Total
}
