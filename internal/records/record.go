// Package records defines the typed record model shared by the parsing and
// detection layers. A record is either an HTTP access-log entry or a generic
// tabular row; the kind is resolved once at parse time and the detection
// layers only consult the capability accessors, never reflection.
package records

// Kind discriminates the two record variants.
type Kind string

const (
	KindHTTP    Kind = "http"
	KindGeneric Kind = "generic"
)

// HTTPRecord is a single parsed HTTP access-log entry.
type HTTPRecord struct {
	Timestamp    string            `json:"timestamp"`
	ClientIP     string            `json:"client_ip"`
	Method       string            `json:"method"`
	URI          string            `json:"uri"`
	StatusCode   int               `json:"status_code"`
	ResponseSize int               `json:"response_size"`
	Duration     int               `json:"duration"`
	UserAgent    string            `json:"user_agent"`
	Raw          map[string]string `json:"raw,omitempty"`
}

// GenericRecord is a single row from an arbitrary tabular source. Identifier
// and Timestamp are best-effort picks made by column-name heuristics at parse
// time; they may be empty.
type GenericRecord struct {
	RowIndex   int               `json:"row_index"`
	Data       map[string]string `json:"data"`
	Identifier string            `json:"identifier"`
	Timestamp  string            `json:"timestamp"`
}

// Record is the closed variant over HTTPRecord and GenericRecord. Exactly one
// of HTTP and Generic is set, matching Kind. Records are immutable once
// parsed; the pipeline owns them for the duration of one run.
type Record struct {
	Kind    Kind           `json:"kind"`
	HTTP    *HTTPRecord    `json:"http,omitempty"`
	Generic *GenericRecord `json:"generic,omitempty"`
}

// NewHTTP wraps an HTTPRecord into a Record.
func NewHTTP(r HTTPRecord) Record {
	return Record{Kind: KindHTTP, HTTP: &r}
}

// NewGeneric wraps a GenericRecord into a Record.
func NewGeneric(r GenericRecord) Record {
	return Record{Kind: KindGeneric, Generic: &r}
}

// Identifier returns the best available unique source handle for the record:
// the client address for HTTP records, the heuristic identifier for generic
// rows. May be empty for generic rows with no usable column.
func (r Record) Identifier() string {
	switch r.Kind {
	case KindHTTP:
		return r.HTTP.ClientIP
	case KindGeneric:
		return r.Generic.Identifier
	}
	return ""
}

// Timestamp returns the record timestamp as parsed, or "" when unknown.
func (r Record) Timestamp() string {
	switch r.Kind {
	case KindHTTP:
		return r.HTTP.Timestamp
	case KindGeneric:
		return r.Generic.Timestamp
	}
	return ""
}

// HasStatusCode reports whether the record carries an HTTP status code.
func (r Record) HasStatusCode() bool {
	return r.Kind == KindHTTP
}

// StatusCode returns the HTTP status code, or 0 for generic records.
func (r Record) StatusCode() int {
	if r.Kind == KindHTTP {
		return r.HTTP.StatusCode
	}
	return 0
}

// Method returns the HTTP method, or "" for generic records.
func (r Record) Method() string {
	if r.Kind == KindHTTP {
		return r.HTTP.Method
	}
	return ""
}

// URI returns the request URI, or "" for generic records.
func (r Record) URI() string {
	if r.Kind == KindHTTP {
		return r.HTTP.URI
	}
	return ""
}

// UserAgent returns the user agent, or "" for generic records.
func (r Record) UserAgent() string {
	if r.Kind == KindHTTP {
		return r.HTTP.UserAgent
	}
	return ""
}

// ResponseSize returns the response size in bytes, or 0 for generic records.
func (r Record) ResponseSize() int {
	if r.Kind == KindHTTP {
		return r.HTTP.ResponseSize
	}
	return 0
}

// Duration returns the request duration in milliseconds, or 0 for generic
// records.
func (r Record) Duration() int {
	if r.Kind == KindHTTP {
		return r.HTTP.Duration
	}
	return 0
}

// Referer returns the referer captured in the raw field map, if any.
func (r Record) Referer() string {
	if r.Kind == KindHTTP && r.HTTP.Raw != nil {
		return r.HTTP.Raw["referer"]
	}
	return ""
}
