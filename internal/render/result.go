package render

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// MimeSVG is the MIME type of every successful render payload.
const MimeSVG = "image/svg+xml"

// Request describes one batch render. Configs are opaque chart-configuration
// documents passed through to the executor uninterpreted.
type Request struct {
	Configs []json.RawMessage

	Width  int
	Height int

	// Concurrency hints how many charts the executor lays out in parallel.
	// It is clamped to [1, MaxConcurrency]; the invoker itself never spawns
	// more than one process per batch.
	Concurrency int

	// MergeOptions, when set, is a JSON document the executor merges into
	// every chart configuration.
	MergeOptions json.RawMessage
}

// Result is the outcome for a single chart. Results are returned in input
// order and the result sequence always has the same length as the input
// sequence.
type Result struct {
	Success  bool
	Data     []byte
	MimeType string
	Error    string
}

// DataURL encodes a successful result as a base64 data URL suitable for
// embedding in markdown or HTML.
func (r Result) DataURL() string {
	if !r.Success {
		return ""
	}
	return DataURL(r.Data, r.MimeType)
}

// DataURL builds a base64 data URL for arbitrary binary image data.
func DataURL(data []byte, mimeType string) string {
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
}
