package api

import "encoding/json"

// RenderRequest is the POST /render body.
type RenderRequest struct {
	Charts       []json.RawMessage `json:"charts"`
	Width        int               `json:"width,omitempty"`
	Height       int               `json:"height,omitempty"`
	Concurrency  int               `json:"concurrency,omitempty"`
	MergeOptions json.RawMessage   `json:"merge_options,omitempty"`
}

// ChartResult is one per-chart outcome. Data is base64-encoded by the JSON
// marshaller.
type ChartResult struct {
	Success  bool   `json:"success"`
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RenderResponse is the POST /render reply.
type RenderResponse struct {
	Results   []ChartResult `json:"results"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
}

// ConvertRequest is the POST /convert body: a markdown document whose
// ```echarts blocks should be rendered in place.
type ConvertRequest struct {
	Content      string          `json:"content"`
	Width        int             `json:"width,omitempty"`
	Height       int             `json:"height,omitempty"`
	Concurrency  int             `json:"concurrency,omitempty"`
	MergeOptions json.RawMessage `json:"merge_options,omitempty"`
}

// BlockFailure describes one block that could not be rendered.
type BlockFailure struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// ConvertResponse is the POST /convert reply. Content has successful blocks
// replaced by image data URLs; failed blocks keep their original text.
type ConvertResponse struct {
	Content   string         `json:"content"`
	Processed int            `json:"processed"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Failures  []BlockFailure `json:"failures,omitempty"`
}

// HealthzResponse is the GET /healthz reply.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Executor      string `json:"executor"`
}

// ErrorResponse is the generic error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
