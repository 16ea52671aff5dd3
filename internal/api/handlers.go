package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/chartsmith/internal/extract"
	"github.com/mattjoyce/chartsmith/internal/history"
	"github.com/mattjoyce/chartsmith/internal/render"
)

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Executor:      s.config.ExecutorOrigin,
	})
}

// handleRender handles POST /render.
func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	var req RenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Charts) == 0 {
		s.writeError(w, http.StatusBadRequest, "charts must be a non-empty array")
		return
	}

	results, status, errMsg := s.renderBatch(r.Context(), render.Request{
		Configs:      req.Charts,
		Width:        s.defaultInt(req.Width, s.config.DefaultWidth),
		Height:       s.defaultInt(req.Height, s.config.DefaultHeight),
		Concurrency:  s.defaultInt(req.Concurrency, s.config.DefaultConcurrency),
		MergeOptions: req.MergeOptions,
	})
	if errMsg != "" {
		s.writeError(w, status, errMsg)
		return
	}

	resp := RenderResponse{Results: make([]ChartResult, len(results))}
	for i, res := range results {
		if res.Success {
			resp.Succeeded++
			resp.Results[i] = ChartResult{Success: true, MimeType: res.MimeType, Data: res.Data}
		} else {
			resp.Failed++
			resp.Results[i] = ChartResult{Error: res.Error}
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleConvert handles POST /convert.
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req ConvertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Content == "" {
		s.writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	blocks := extract.Blocks(req.Content)
	if len(blocks) == 0 {
		s.writeJSON(w, http.StatusOK, ConvertResponse{Content: req.Content})
		return
	}

	var configs []json.RawMessage
	var validIdx []int
	for i, b := range blocks {
		if b.Valid() {
			configs = append(configs, b.Config)
			validIdx = append(validIdx, i)
		}
	}

	resp := ConvertResponse{Processed: len(blocks)}
	imageURLs := make([]string, len(blocks))

	for i, b := range blocks {
		if !b.Valid() {
			resp.Failed++
			resp.Failures = append(resp.Failures, BlockFailure{Index: i, Error: b.Err})
		}
	}

	if len(configs) > 0 {
		results, status, errMsg := s.renderBatch(r.Context(), render.Request{
			Configs:      configs,
			Width:        s.defaultInt(req.Width, s.config.DefaultWidth),
			Height:       s.defaultInt(req.Height, s.config.DefaultHeight),
			Concurrency:  s.defaultInt(req.Concurrency, s.config.DefaultConcurrency),
			MergeOptions: req.MergeOptions,
		})
		if errMsg != "" {
			s.writeError(w, status, errMsg)
			return
		}

		for i, res := range results {
			blockIndex := validIdx[i]
			if res.Success {
				resp.Succeeded++
				imageURLs[blockIndex] = res.DataURL()
			} else {
				resp.Failed++
				resp.Failures = append(resp.Failures, BlockFailure{Index: blockIndex, Error: res.Error})
			}
		}
	}

	content, err := extract.ReplaceWithImages(req.Content, blocks, imageURLs)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp.Content = content

	s.writeJSON(w, http.StatusOK, resp)
}

// handleHistory handles GET /history.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, "history is not enabled")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.store.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}

	s.writeJSON(w, http.StatusOK, entries)
}

// renderBatch invokes the renderer, records history, and maps batch-fatal
// errors onto HTTP statuses. Returns a non-empty errMsg on failure.
func (s *Server) renderBatch(ctx context.Context, req render.Request) (results []render.Result, status int, errMsg string) {
	start := time.Now()
	results, err := s.renderer.Render(ctx, req)
	s.recordHistory(ctx, req, results, err, time.Since(start))

	if err != nil {
		var validationErr *render.ValidationError
		if errors.As(err, &validationErr) {
			return nil, http.StatusBadRequest, err.Error()
		}
		s.logger.Error("render failed", "error", err)
		return nil, http.StatusBadGateway, err.Error()
	}
	return results, http.StatusOK, ""
}

// recordHistory logs the invocation outcome best-effort.
func (s *Server) recordHistory(ctx context.Context, req render.Request, results []render.Result, renderErr error, elapsed time.Duration) {
	if s.store == nil {
		return
	}

	entry := history.Entry{
		DurationMs: elapsed.Milliseconds(),
		Executor:   s.config.ExecutorOrigin,
		Charts:     len(req.Configs),
		Width:      req.Width,
		Height:     req.Height,
	}
	for _, res := range results {
		if res.Success {
			entry.Succeeded++
		} else {
			entry.Failed++
		}
	}
	if renderErr != nil {
		entry.Error = renderErr.Error()
		entry.Failed = len(req.Configs)
	}

	if _, err := s.store.Record(ctx, entry); err != nil {
		s.logger.Warn("failed to record render history", "error", err)
	}
}

func (s *Server) defaultInt(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}
