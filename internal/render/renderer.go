// Package render drives one chart-rendering child process per batch: it
// validates and serializes the request, delivers it on stdin, enforces a
// wall-clock timeout, and decodes the response into per-chart results with
// per-item failure isolation.
package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/chartsmith/internal/executor"
	"github.com/mattjoyce/chartsmith/internal/log"
)

const (
	// MinDimension and MaxDimension bound chart width and height, inclusive.
	MinDimension = 1
	MaxDimension = 2000

	// MaxConcurrency caps the parallelism hint passed to the executor.
	MaxConcurrency = 4

	// DefaultTimeout is the hard wall-clock cap on one batch invocation.
	DefaultTimeout = 360 * time.Second

	// defaultMaxPayloadBytes caps the serialized chart document. Exceeding
	// it fails before any process is spawned.
	defaultMaxPayloadBytes = 50 << 20

	// maxStderrBytes caps captured child stderr.
	maxStderrBytes = 64 * 1024

	// svgDataPrefix is the only payload encoding the protocol accepts.
	svgDataPrefix = "data:image/svg+xml;base64,"
)

// Renderer invokes a previously selected execution target. The candidate is
// fixed for the renderer's lifetime; reconstructing the renderer is the only
// way to pick up filesystem changes.
type Renderer struct {
	candidate       executor.Candidate
	timeout         time.Duration
	maxPayloadBytes int
	logger          *slog.Logger

	// newCommand builds the child process. Tests swap it to count or fake
	// spawns.
	newCommand func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// Option adjusts renderer construction.
type Option func(*Renderer)

// WithTimeout overrides the wall-clock cap on one batch invocation.
func WithTimeout(d time.Duration) Option {
	return func(r *Renderer) { r.timeout = d }
}

// New creates a Renderer for the given execution target.
func New(candidate executor.Candidate, opts ...Option) *Renderer {
	r := &Renderer{
		candidate:       candidate,
		timeout:         DefaultTimeout,
		maxPayloadBytes: defaultMaxPayloadBytes,
		logger:          log.WithComponent("render"),
		newCommand:      exec.CommandContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Candidate returns the execution target this renderer is bound to.
func (r *Renderer) Candidate() executor.Candidate { return r.candidate }

// childResponse is the executor's stdout document.
type childResponse struct {
	Results []childResult `json:"results"`
}

type childResult struct {
	Success bool   `json:"success"`
	Data    string `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Render executes one batch. It returns exactly len(req.Configs) results in
// input order, or a batch-fatal error (*ValidationError, *InvocationError,
// *ProtocolError) with no partial results. Individual chart failures are
// reported inside the result slice, never as an error. No retries.
func (r *Renderer) Render(ctx context.Context, req Request) ([]Result, error) {
	if err := validateDimensions(req.Width, req.Height); err != nil {
		return nil, err
	}

	concurrency := req.Concurrency
	if concurrency < 1 || concurrency > MaxConcurrency {
		r.logger.Warn("concurrency out of range, using 1", "requested", concurrency)
		concurrency = 1
	}

	if len(req.Configs) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(req.Configs)
	if err != nil {
		return nil, &ValidationError{Field: "charts", Message: fmt.Sprintf("cannot serialize chart configurations: %v", err)}
	}
	if len(payload) > r.maxPayloadBytes {
		return nil, &ValidationError{
			Field:   "charts",
			Message: fmt.Sprintf("serialized chart document is %d bytes, limit is %d", len(payload), r.maxPayloadBytes),
		}
	}

	renderID := uuid.NewString()
	logger := log.WithRender(renderID)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd, err := r.buildCommand(ctx, req, concurrency)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Info("rendering batch",
		"charts", len(req.Configs),
		"width", req.Width,
		"height", req.Height,
		"concurrency", concurrency,
		"origin", string(r.candidate.Origin),
	)
	logger.Debug("executor command", "args", cmd.Args)

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if runErr != nil {
		stderrText := truncateStderr(stderr.String())

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logger.Error("render timed out", "timeout", r.timeout, "elapsed", elapsed)
			return nil, &InvocationError{
				Stderr: stderrText,
				Err:    fmt.Errorf("render timed out after %s: %w", r.timeout, context.DeadlineExceeded),
			}
		}

		if errors.Is(runErr, exec.ErrNotFound) || errors.Is(runErr, fs.ErrNotExist) {
			logger.Error("executor not found", "path", cmd.Path)
			return nil, &InvocationError{
				Stderr: stderrText,
				Err:    fmt.Errorf("executor not found: %s: %w", cmd.Path, runErr),
			}
		}

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			logger.Error("executor exited non-zero", "exit_code", exitErr.ExitCode(), "stderr", stderrText)
			return nil, &InvocationError{
				Stderr: stderrText,
				Err:    fmt.Errorf("executor exited with code %d", exitErr.ExitCode()),
			}
		}

		return nil, &InvocationError{Stderr: stderrText, Err: runErr}
	}

	var resp childResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		logger.Error("unparseable executor output", "error", err)
		return nil, &ProtocolError{Output: stdout.Bytes(), Err: err}
	}

	results := r.adaptResults(req.Configs, resp.Results, logger)

	succeeded := 0
	for _, res := range results {
		if res.Success {
			succeeded++
		}
	}
	logger.Info("batch rendered",
		"charts", len(results),
		"succeeded", succeeded,
		"failed", len(results)-succeeded,
		"duration_ms", elapsed.Milliseconds(),
	)
	return results, nil
}

// buildCommand constructs the child invocation for the bound candidate.
func (r *Renderer) buildCommand(ctx context.Context, req Request, concurrency int) (*exec.Cmd, error) {
	args := []string{
		"--width", strconv.Itoa(req.Width),
		"--height", strconv.Itoa(req.Height),
		"--concurrency", strconv.Itoa(concurrency),
	}
	if len(req.MergeOptions) > 0 {
		if !json.Valid(req.MergeOptions) {
			return nil, &ValidationError{Field: "merge_options", Message: "not valid JSON"}
		}
		args = append(args, "--merge-options", string(req.MergeOptions))
	}

	if r.candidate.Origin == executor.OriginRuntime {
		cmd := r.newCommand(ctx, r.candidate.Runtime, append([]string{"run", r.candidate.Script}, args...)...)
		cmd.Dir = r.candidate.Dir
		return cmd, nil
	}

	// Binaries can run from any directory.
	return r.newCommand(ctx, r.candidate.Path, args...), nil
}

// adaptResults maps the executor's positional results onto typed per-chart
// outcomes. One bad chart doesn't sink the batch: each entry fails or
// succeeds on its own, and the output always matches the input length.
func (r *Renderer) adaptResults(configs []json.RawMessage, items []childResult, logger *slog.Logger) []Result {
	results := make([]Result, len(configs))
	for i := range configs {
		if i >= len(items) {
			results[i] = Result{Error: fmt.Sprintf("renderer returned no result for chart %d", i)}
			continue
		}
		results[i] = adaptResult(items[i])
		if !results[i].Success {
			logger.Warn("chart failed to render", "index", i, "error", results[i].Error)
		}
	}
	if len(items) > len(configs) {
		logger.Warn("renderer returned surplus results, ignoring",
			"expected", len(configs), "got", len(items))
	}
	return results
}

func adaptResult(item childResult) Result {
	if !item.Success {
		msg := item.Error
		if msg == "" {
			msg = "unknown render error"
		}
		return Result{Error: msg}
	}

	if !strings.HasPrefix(item.Data, svgDataPrefix) {
		return Result{Error: "unexpected payload format: want data:image/svg+xml;base64 data URL"}
	}

	data, err := base64.StdEncoding.DecodeString(item.Data[len(svgDataPrefix):])
	if err != nil {
		return Result{Error: fmt.Sprintf("undecodable base64 payload: %v", err)}
	}

	return Result{Success: true, Data: data, MimeType: MimeSVG}
}

// validateDimensions enforces the inclusive width/height bounds before any
// command is built.
func validateDimensions(width, height int) error {
	if width < MinDimension || width > MaxDimension {
		return &ValidationError{
			Field:   "width",
			Message: fmt.Sprintf("must be between %d and %d, got %d", MinDimension, MaxDimension, width),
		}
	}
	if height < MinDimension || height > MaxDimension {
		return &ValidationError{
			Field:   "height",
			Message: fmt.Sprintf("must be between %d and %d, got %d", MinDimension, MaxDimension, height),
		}
	}
	return nil
}

// truncateStderr caps captured stderr at maxStderrBytes.
func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
