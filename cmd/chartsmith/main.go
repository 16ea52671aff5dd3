package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/chartsmith/internal/api"
	"github.com/mattjoyce/chartsmith/internal/config"
	"github.com/mattjoyce/chartsmith/internal/doctor"
	"github.com/mattjoyce/chartsmith/internal/executor"
	"github.com/mattjoyce/chartsmith/internal/extract"
	"github.com/mattjoyce/chartsmith/internal/history"
	"github.com/mattjoyce/chartsmith/internal/log"
	"github.com/mattjoyce/chartsmith/internal/manifest"
	"github.com/mattjoyce/chartsmith/internal/render"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "render":
		os.Exit(runRender(args))
	case "convert":
		os.Exit(runConvert(args))
	case "serve":
		os.Exit(runServe(args))
	case "doctor":
		os.Exit(runDoctor(args))
	case "history":
		os.Exit(runHistory(args))
	case "version":
		fmt.Printf("chartsmith version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`chartsmith - Batch chart rendering via the echarts-convert executor

Usage:
  chartsmith <command> [flags]

Commands:
  render    Render a JSON array of chart configurations
  convert   Render the echarts code blocks inside a markdown document
  serve     Run the HTTP rendering API
  doctor    Diagnose the installation (artifacts, cache, executor)
  history   Show recent render invocations
  version   Show version information
  help      Show this help message

Use 'chartsmith <command> -h' for command-specific flags.
`)
}

// loadConfig loads the config file when given, otherwise built-in defaults,
// and initializes logging either way.
func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Defaults()
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	return cfg, nil
}

// buildRenderer selects an executor once and wraps it in a renderer.
func buildRenderer(cfg *config.Config) (*render.Renderer, executor.Candidate, error) {
	opts := executor.Options{
		PluginRoot:     cfg.PluginRoot,
		OverridePath:   config.OverridePath(),
		BinaryRequired: cfg.BinaryRequired,
	}

	m, err := manifest.Load(cfg.PluginRoot)
	if err != nil {
		if cfg.BinaryRequired {
			return nil, executor.Candidate{}, fmt.Errorf("strict mode needs a manifest-declared version: %w", err)
		}
		log.Warn("manifest unavailable, resolving latest artifact version", "error", err)
	} else {
		if opts.DesiredVersion, err = m.DeclaredVersion(); err != nil {
			return nil, executor.Candidate{}, err
		}
	}

	candidate, err := executor.Select(opts)
	if err != nil {
		return nil, executor.Candidate{}, err
	}

	return render.New(candidate, render.WithTimeout(cfg.Render.Timeout)), candidate, nil
}

// openHistory opens the render log, best-effort.
func openHistory(ctx context.Context, cfg *config.Config) *history.Store {
	store, err := history.Open(ctx, cfg.History.Path)
	if err != nil {
		log.Warn("render history unavailable", "path", cfg.History.Path, "error", err)
		return nil
	}
	return store
}

func runRender(args []string) int {
	fs := flag.NewFlagSet("render", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	file := fs.String("file", "-", "JSON array of chart configurations ('-' for stdin)")
	width := fs.Int("width", 0, "Chart width in pixels")
	height := fs.Int("height", 0, "Chart height in pixels")
	concurrency := fs.Int("concurrency", 0, "Charts rendered in parallel by the executor (1-4)")
	mergeOptions := fs.String("merge-options", "", "JSON options merged into every chart")
	outDir := fs.String("out", "", "Write rendered SVG files into this directory")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	data, err := readInput(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var configs []json.RawMessage
	if err := json.Unmarshal(data, &configs); err != nil {
		fmt.Fprintf(os.Stderr, "Error: input is not a JSON array of chart configurations: %v\n", err)
		return 1
	}

	renderer, candidate, err := buildRenderer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	req := render.Request{
		Configs:     configs,
		Width:       firstNonZero(*width, cfg.Render.Width),
		Height:      firstNonZero(*height, cfg.Render.Height),
		Concurrency: firstNonZero(*concurrency, cfg.Render.Concurrency),
	}
	if *mergeOptions != "" {
		req.MergeOptions = json.RawMessage(*mergeOptions)
	}

	ctx := context.Background()
	start := time.Now()
	results, renderErr := renderer.Render(ctx, req)

	if store := openHistory(ctx, cfg); store != nil {
		recordOutcome(ctx, store, candidate, req, results, renderErr, time.Since(start))
		store.Close()
	}

	if renderErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", renderErr)
		return 1
	}

	if *outDir != "" {
		if err := writeSVGFiles(*outDir, results); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	type chartOutput struct {
		Success bool   `json:"success"`
		DataURL string `json:"data_url,omitempty"`
		Error   string `json:"error,omitempty"`
	}
	out := make([]chartOutput, len(results))
	failed := 0
	for i, res := range results {
		if res.Success {
			out[i] = chartOutput{Success: true, DataURL: res.DataURL()}
		} else {
			out[i] = chartOutput{Error: res.Error}
			failed++
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(map[string]any{
		"results":   out,
		"succeeded": len(results) - failed,
		"failed":    failed,
	})

	if failed == len(results) && len(results) > 0 {
		return 1
	}
	return 0
}

func runConvert(args []string) int {
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	file := fs.String("file", "-", "Markdown document ('-' for stdin)")
	width := fs.Int("width", 0, "Chart width in pixels")
	height := fs.Int("height", 0, "Chart height in pixels")
	concurrency := fs.Int("concurrency", 0, "Charts rendered in parallel by the executor (1-4)")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	data, err := readInput(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	content := string(data)

	blocks := extract.Blocks(content)
	if len(blocks) == 0 {
		fmt.Print(content)
		return 0
	}

	var configs []json.RawMessage
	var validIdx []int
	for i, b := range blocks {
		if b.Valid() {
			configs = append(configs, b.Config)
			validIdx = append(validIdx, i)
		} else {
			log.Warn("skipping unparseable echarts block", "index", i, "error", b.Err)
		}
	}

	imageURLs := make([]string, len(blocks))
	if len(configs) > 0 {
		renderer, candidate, err := buildRenderer(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}

		req := render.Request{
			Configs:     configs,
			Width:       firstNonZero(*width, cfg.Render.Width),
			Height:      firstNonZero(*height, cfg.Render.Height),
			Concurrency: firstNonZero(*concurrency, cfg.Render.Concurrency),
		}

		ctx := context.Background()
		start := time.Now()
		results, renderErr := renderer.Render(ctx, req)

		if store := openHistory(ctx, cfg); store != nil {
			recordOutcome(ctx, store, candidate, req, results, renderErr, time.Since(start))
			store.Close()
		}

		if renderErr != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", renderErr)
			return 1
		}

		for i, res := range results {
			if res.Success {
				imageURLs[validIdx[i]] = res.DataURL()
			} else {
				log.Warn("block failed to render", "index", validIdx[i], "error", res.Error)
			}
		}
	}

	converted, err := extract.ReplaceWithImages(content, blocks, imageURLs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Print(converted)
	return 0
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	listen := fs.String("listen", "", "Listen address (overrides config)")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}

	renderer, candidate, err := buildRenderer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := openHistory(ctx, cfg)
	var historyStore api.HistoryStore
	if store != nil {
		defer store.Close()
		historyStore = store
	}

	server := api.New(api.Config{
		Listen:             cfg.API.Listen,
		DefaultWidth:       cfg.Render.Width,
		DefaultHeight:      cfg.Render.Height,
		DefaultConcurrency: cfg.Render.Concurrency,
		ExecutorOrigin:     string(candidate.Origin),
	}, renderer, historyStore, log.WithComponent("api"))

	if err := server.Start(ctx); err != nil && err != context.Canceled {
		log.Error("server stopped", "error", err)
		return 1
	}
	return 0
}

func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	jsonOut := fs.Bool("json", false, "Emit the report as JSON")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Run()

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	} else {
		printDoctorReport(result)
	}

	if !result.Healthy() {
		return 1
	}
	return 0
}

var (
	doctorTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA"))
	doctorOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	doctorWarnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	doctorFailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	doctorDimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

func printDoctorReport(result *doctor.Result) {
	fmt.Println(doctorTitleStyle.Render("chartsmith doctor"))
	for _, c := range result.Checks {
		var badge string
		switch c.Status {
		case doctor.StatusOK:
			badge = doctorOKStyle.Render("  ok  ")
		case doctor.StatusWarn:
			badge = doctorWarnStyle.Render(" warn ")
		default:
			badge = doctorFailStyle.Render(" fail ")
		}
		fmt.Printf("[%s] %-20s %s\n", badge, c.Name, doctorDimStyle.Render(c.Detail))
	}
}

func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	limit := fs.Int("limit", 20, "Number of entries to show")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, err := history.Open(ctx, cfg.History.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	entries, err := store.List(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if len(entries) == 0 {
		fmt.Println("No render invocations recorded.")
		return 0
	}

	fmt.Printf("%-36s  %-20s  %-10s  %6s  %6s  %6s  %8s\n",
		"ID", "STARTED", "EXECUTOR", "CHARTS", "OK", "FAIL", "MS")
	for _, e := range entries {
		fmt.Printf("%-36s  %-20s  %-10s  %6d  %6d  %6d  %8d\n",
			e.ID,
			e.StartedAt.Local().Format("2006-01-02 15:04:05"),
			e.Executor,
			e.Charts,
			e.Succeeded,
			e.Failed,
			e.DurationMs,
		)
	}
	return 0
}

// recordOutcome persists one invocation to the render log, best-effort.
func recordOutcome(ctx context.Context, store *history.Store, candidate executor.Candidate,
	req render.Request, results []render.Result, renderErr error, elapsed time.Duration,
) {
	entry := history.Entry{
		DurationMs: elapsed.Milliseconds(),
		Executor:   string(candidate.Origin),
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
	if _, err := store.Record(ctx, entry); err != nil {
		log.Warn("failed to record render history", "error", err)
	}
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// writeSVGFiles writes successful results as chart-<n>.svg under dir.
func writeSVGFiles(dir string, results []render.Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	for i, res := range results {
		if !res.Success {
			continue
		}
		path := filepath.Join(dir, fmt.Sprintf("chart-%d.svg", i))
		if err := os.WriteFile(path, res.Data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return nil
}

func firstNonZero(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}
