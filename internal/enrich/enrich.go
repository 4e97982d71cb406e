// Package enrich attaches auxiliary lookup data to decoded connection events.
package enrich

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/socpipe/pkg/types"
)

// Version is stamped on every enriched event
const Version = "1.0.0"

// Source fields checked for connection endpoints, dotted form first
var (
	origHostFields = []string{"id.orig_h", "id_orig_h"}
	respHostFields = []string{"id.resp_h", "id_resp_h"}
)

// GeoInfo is the location data attached to an address
type GeoInfo struct {
	Country   string   `json:"country"`
	City      string   `json:"city"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	ISP       string   `json:"isp"`
}

// GeoLookup resolves an address to location data
type GeoLookup interface {
	Lookup(ip string) GeoInfo
}

// MockGeo classifies private ranges and answers a fixed public location for
// everything else
type MockGeo struct{}

// Lookup implements GeoLookup
func (MockGeo) Lookup(ip string) GeoInfo {
	if strings.HasPrefix(ip, "192.168.") || strings.HasPrefix(ip, "10.") || ip == "127.0.0.1" {
		return GeoInfo{
			Country: "Private",
			City:    "Private",
			ISP:     "Private Network",
		}
	}

	lat, lon := 40.7128, -74.0060
	return GeoInfo{
		Country:   "US",
		City:      "New York",
		Latitude:  &lat,
		Longitude: &lon,
		ISP:       "Mock ISP",
	}
}

// Enriched is an event plus the data added by the enricher. It encodes to a
// single flat JSON object: the event's fields first, then the added keys.
type Enriched struct {
	Event            types.Event
	OrigGeo          *GeoInfo
	RespGeo          *GeoInfo
	ProcessedAt      float64
	ProcessorVersion string
}

// UID returns the connection uid, empty when absent
func (e Enriched) UID() string {
	v, ok := e.Event.Get("uid")
	if !ok || v.IsNull() {
		return ""
	}
	return v.Raw()
}

// MarshalJSON implements json.Marshaler
func (e Enriched) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(e.Event)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(base[:len(base)-1])
	first := e.Event.Len() == 0

	add := func(key string, v interface{}) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		k, _ := json.Marshal(key)
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(data)
		return nil
	}

	if e.OrigGeo != nil {
		if err := add("orig_geoip", e.OrigGeo); err != nil {
			return nil, err
		}
	}
	if e.RespGeo != nil {
		if err := add("resp_geoip", e.RespGeo); err != nil {
			return nil, err
		}
	}
	if err := add("processed_at", e.ProcessedAt); err != nil {
		return nil, err
	}
	if err := add("processor_version", e.ProcessorVersion); err != nil {
		return nil, err
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Enricher adds geo data and processing metadata to events
type Enricher struct {
	geo     GeoLookup
	version string
	now     func() time.Time
}

// NewEnricher creates an enricher; a nil lookup uses MockGeo
func NewEnricher(geo GeoLookup) *Enricher {
	if geo == nil {
		geo = MockGeo{}
	}
	return &Enricher{
		geo:     geo,
		version: Version,
		now:     time.Now,
	}
}

// Enrich returns a copy of event with the added data. The source event is
// not modified.
func (en *Enricher) Enrich(event types.Event) Enriched {
	now := en.now()
	out := Enriched{
		Event:            event.Clone(),
		ProcessedAt:      float64(now.Unix()) + float64(now.Nanosecond())/1e9,
		ProcessorVersion: en.version,
	}

	if ip := hostField(event, origHostFields); ip != "" {
		g := en.geo.Lookup(ip)
		out.OrigGeo = &g
	}
	if ip := hostField(event, respHostFields); ip != "" {
		g := en.geo.Lookup(ip)
		out.RespGeo = &g
	}
	return out
}

func hostField(event types.Event, names []string) string {
	for _, name := range names {
		if s := event.Str(name); s != "" {
			return s
		}
	}
	return ""
}

// SampleEvent is the fixed connection used to exercise enrichment
func SampleEvent() types.Event {
	ev := types.NewEvent(7)
	ev.Set("ts", types.Float(1234567890.123))
	ev.Set("uid", types.String("C1234567890"))
	ev.Set("id.orig_h", types.String("192.168.1.100"))
	ev.Set("id.orig_p", types.Int(12345))
	ev.Set("id.resp_h", types.String("8.8.8.8"))
	ev.Set("id.resp_p", types.Int(53))
	ev.Set("proto", types.String("udp"))
	return ev
}
