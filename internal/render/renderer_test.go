package render

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/chartsmith/internal/executor"
	"github.com/mattjoyce/chartsmith/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("error", "text")
	os.Exit(m.Run())
}

// fakeExecutor writes a bash script acting as the rendering child process
// and returns a candidate bound to it.
func fakeExecutor(t *testing.T, script string) executor.Candidate {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-echarts-convert")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write fake executor: %v", err)
	}
	return executor.Candidate{Path: path, Origin: executor.OriginLocalDebug}
}

func svgDataURL(svg string) string {
	return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(svg))
}

// countSpawns wraps the renderer's command factory with a spawn counter.
func countSpawns(r *Renderer) *int {
	count := 0
	inner := r.newCommand
	r.newCommand = func(ctx context.Context, name string, arg ...string) *exec.Cmd {
		count++
		return inner(ctx, name, arg...)
	}
	return &count
}

func rawConfigs(n int) []json.RawMessage {
	configs := make([]json.RawMessage, n)
	for i := range configs {
		configs[i] = json.RawMessage(fmt.Sprintf(`{"series":[{"type":"bar","idx":%d}]}`, i))
	}
	return configs
}

func TestRender_Success(t *testing.T) {
	svg := `<svg xmlns="http://www.w3.org/2000/svg"/>`
	script := fmt.Sprintf(`#!/bin/bash
cat > /dev/null
echo '{"results":[{"success":true,"data":"%s"},{"success":true,"data":"%s"}]}'
`, svgDataURL(svg), svgDataURL(svg))

	r := New(fakeExecutor(t, script))

	results, err := r.Render(context.Background(), Request{
		Configs: rawConfigs(2),
		Width:   800,
		Height:  600,
	})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for i, res := range results {
		if !res.Success {
			t.Errorf("result %d failed: %s", i, res.Error)
		}
		if string(res.Data) != svg {
			t.Errorf("result %d data = %q, want decoded SVG", i, res.Data)
		}
		if res.MimeType != MimeSVG {
			t.Errorf("result %d mime = %q", i, res.MimeType)
		}
	}
}

func TestRender_PassesFlagsAndStdin(t *testing.T) {
	// The script echoes its arguments and stdin back through the result
	// error field so the test can assert on them. Double quotes are
	// stripped to keep the echoed JSON parseable.
	script := `#!/bin/bash
input=$(cat | tr -d '"')
args=$(echo "$*" | tr -d '"')
echo "{\"results\":[{\"success\":false,\"error\":\"args=$args stdin=$input\"}]}"
`
	r := New(fakeExecutor(t, script))

	results, err := r.Render(context.Background(), Request{
		Configs:      []json.RawMessage{json.RawMessage(`{"a":1}`)},
		Width:        640,
		Height:       480,
		Concurrency:  2,
		MergeOptions: json.RawMessage(`{"animation":false}`),
	})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}

	echoed := results[0].Error
	for _, want := range []string{
		"--width 640",
		"--height 480",
		"--concurrency 2",
		"--merge-options {animation:false}",
		"stdin=[{a:1}]",
	} {
		if !strings.Contains(echoed, want) {
			t.Errorf("child invocation missing %q: %s", want, echoed)
		}
	}
}

func TestRender_PerItemFailureIsolation(t *testing.T) {
	svg := `<svg/>`
	script := fmt.Sprintf(`#!/bin/bash
cat > /dev/null
echo '{"results":[{"success":true,"data":"%s"},{"success":false,"error":"series type unknown"},{"success":true,"data":"%s"}]}'
`, svgDataURL(svg), svgDataURL(svg))

	r := New(fakeExecutor(t, script))

	results, err := r.Render(context.Background(), Request{Configs: rawConfigs(3), Width: 800, Height: 600, Concurrency: 1})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if !results[0].Success || !results[2].Success {
		t.Errorf("surrounding charts should succeed: %+v", results)
	}
	if results[1].Success || results[1].Error != "series type unknown" {
		t.Errorf("result 1 = %+v, want isolated failure", results[1])
	}
}

func TestRender_ShortResponsePadded(t *testing.T) {
	svg := `<svg/>`
	script := fmt.Sprintf(`#!/bin/bash
cat > /dev/null
echo '{"results":[{"success":true,"data":"%s"}]}'
`, svgDataURL(svg))

	r := New(fakeExecutor(t, script))

	results, err := r.Render(context.Background(), Request{Configs: rawConfigs(3), Width: 800, Height: 600, Concurrency: 1})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if !results[0].Success {
		t.Errorf("result 0 should succeed: %+v", results[0])
	}
	for i := 1; i < 3; i++ {
		if results[i].Success || results[i].Error == "" {
			t.Errorf("result %d = %+v, want missing-result failure", i, results[i])
		}
	}
}

func TestRender_RejectsNonDataURLPayload(t *testing.T) {
	script := `#!/bin/bash
cat > /dev/null
echo '{"results":[{"success":true,"data":"<svg>raw markup</svg>"}]}'
`
	r := New(fakeExecutor(t, script))

	results, err := r.Render(context.Background(), Request{Configs: rawConfigs(1), Width: 800, Height: 600, Concurrency: 1})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if results[0].Success {
		t.Fatalf("raw markup accepted: %+v", results[0])
	}
	if !strings.Contains(results[0].Error, "payload format") {
		t.Errorf("error = %q", results[0].Error)
	}
}

func TestRender_DimensionBoundsRejectBeforeSpawn(t *testing.T) {
	r := New(fakeExecutor(t, "#!/bin/bash\nexit 0\n"))
	spawns := countSpawns(r)

	tests := []struct {
		width, height int
	}{
		{0, 600},
		{-1, 600},
		{2001, 600},
		{800, 0},
		{800, 2001},
	}
	for _, tt := range tests {
		_, err := r.Render(context.Background(), Request{Configs: rawConfigs(1), Width: tt.width, Height: tt.height, Concurrency: 1})
		var validationErr *ValidationError
		if !errors.As(err, &validationErr) {
			t.Errorf("width=%d height=%d: error = %v, want *ValidationError", tt.width, tt.height, err)
		}
	}
	if *spawns != 0 {
		t.Errorf("spawned %d processes for invalid requests, want 0", *spawns)
	}
}

func TestRender_BoundaryDimensionsAccepted(t *testing.T) {
	script := `#!/bin/bash
cat > /dev/null
echo '{"results":[]}'
`
	r := New(fakeExecutor(t, script))

	for _, dim := range []int{1, 2000} {
		results, err := r.Render(context.Background(), Request{Configs: rawConfigs(1), Width: dim, Height: dim, Concurrency: 1})
		if err != nil {
			t.Errorf("dimension %d rejected: %v", dim, err)
		}
		if len(results) != 1 {
			t.Errorf("dimension %d: got %d results", dim, len(results))
		}
	}
}

func TestRender_PayloadCeilingRejectsBeforeSpawn(t *testing.T) {
	r := New(fakeExecutor(t, "#!/bin/bash\nexit 0\n"))
	r.maxPayloadBytes = 64
	spawns := countSpawns(r)

	big := json.RawMessage(`{"series":"` + strings.Repeat("x", 200) + `"}`)
	_, err := r.Render(context.Background(), Request{Configs: []json.RawMessage{big}, Width: 800, Height: 600, Concurrency: 1})

	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if *spawns != 0 {
		t.Errorf("spawned %d processes, want 0", *spawns)
	}
}

func TestRender_InvalidMergeOptionsRejected(t *testing.T) {
	r := New(fakeExecutor(t, "#!/bin/bash\nexit 0\n"))
	spawns := countSpawns(r)

	_, err := r.Render(context.Background(), Request{
		Configs:      rawConfigs(1),
		Width:        800,
		Height:       600,
		Concurrency:  1,
		MergeOptions: json.RawMessage(`{not json`),
	})
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if *spawns != 0 {
		t.Errorf("spawned %d processes, want 0", *spawns)
	}
}

func TestRender_EmptyBatch(t *testing.T) {
	r := New(fakeExecutor(t, "#!/bin/bash\nexit 0\n"))
	spawns := countSpawns(r)

	results, err := r.Render(context.Background(), Request{Width: 800, Height: 600, Concurrency: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
	if *spawns != 0 {
		t.Errorf("spawned %d processes for empty batch, want 0", *spawns)
	}
}

func TestRender_OutOfRangeConcurrencyClamped(t *testing.T) {
	script := `#!/bin/bash
cat > /dev/null
echo "{\"results\":[{\"success\":false,\"error\":\"args=$*\"}]}"
`
	r := New(fakeExecutor(t, script))

	for _, c := range []int{0, -5, 99} {
		results, err := r.Render(context.Background(), Request{Configs: rawConfigs(1), Width: 800, Height: 600, Concurrency: c})
		if err != nil {
			t.Fatalf("concurrency %d: %v", c, err)
		}
		if !strings.Contains(results[0].Error, "--concurrency 1") {
			t.Errorf("concurrency %d not clamped to 1: %s", c, results[0].Error)
		}
	}
}

func TestRender_NonZeroExit(t *testing.T) {
	script := `#!/bin/bash
cat > /dev/null
echo "renderer blew up" >&2
exit 3
`
	r := New(fakeExecutor(t, script))

	_, err := r.Render(context.Background(), Request{Configs: rawConfigs(1), Width: 800, Height: 600, Concurrency: 1})

	var invErr *InvocationError
	if !errors.As(err, &invErr) {
		t.Fatalf("error = %v, want *InvocationError", err)
	}
	if !strings.Contains(invErr.Stderr, "renderer blew up") {
		t.Errorf("stderr not captured: %q", invErr.Stderr)
	}
	if !strings.Contains(invErr.Error(), "code 3") {
		t.Errorf("exit code not reported: %v", invErr)
	}
}

func TestRender_ExecutorNotFound(t *testing.T) {
	r := New(executor.Candidate{
		Path:   filepath.Join(t.TempDir(), "missing-binary"),
		Origin: executor.OriginCached,
	})

	_, err := r.Render(context.Background(), Request{Configs: rawConfigs(1), Width: 800, Height: 600, Concurrency: 1})

	var invErr *InvocationError
	if !errors.As(err, &invErr) {
		t.Fatalf("error = %v, want *InvocationError", err)
	}
	if !strings.Contains(invErr.Error(), "not found") {
		t.Errorf("error = %v", invErr)
	}
}

func TestRender_GarbageOutput(t *testing.T) {
	script := `#!/bin/bash
cat > /dev/null
echo 'Segmentation fault dump follows'
`
	r := New(fakeExecutor(t, script))

	_, err := r.Render(context.Background(), Request{Configs: rawConfigs(1), Width: 800, Height: 600, Concurrency: 1})

	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("error = %v, want *ProtocolError", err)
	}
	if !strings.Contains(string(protoErr.Output), "Segmentation fault") {
		t.Errorf("raw output not preserved: %q", protoErr.Output)
	}
}

func TestRender_Timeout(t *testing.T) {
	script := `#!/bin/bash
cat > /dev/null
sleep 10
`
	r := New(fakeExecutor(t, script), WithTimeout(100*time.Millisecond))

	start := time.Now()
	_, err := r.Render(context.Background(), Request{Configs: rawConfigs(1), Width: 800, Height: 600, Concurrency: 1})
	elapsed := time.Since(start)

	var invErr *InvocationError
	if !errors.As(err, &invErr) {
		t.Fatalf("error = %v, want *InvocationError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error does not wrap DeadlineExceeded: %v", err)
	}
	if elapsed > 5*time.Second {
		t.Errorf("child not killed promptly: %v", elapsed)
	}
}

func TestRender_RuntimeCandidate(t *testing.T) {
	// A runtime candidate launches <runtime> run <script>; fake the runtime
	// itself and verify the invocation shape.
	dir := t.TempDir()
	runtime := filepath.Join(dir, "bun")
	script := `#!/bin/bash
input=$(cat)
echo "{\"results\":[{\"success\":false,\"error\":\"args=$*\"}]}"
`
	if err := os.WriteFile(runtime, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write fake runtime: %v", err)
	}

	r := New(executor.Candidate{
		Origin:  executor.OriginRuntime,
		Runtime: runtime,
		Script:  filepath.Join(dir, "index.ts"),
		Dir:     dir,
	})

	results, err := r.Render(context.Background(), Request{Configs: rawConfigs(1), Width: 800, Height: 600, Concurrency: 1})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	echoed := results[0].Error
	if !strings.Contains(echoed, "run "+filepath.Join(dir, "index.ts")) {
		t.Errorf("runtime invocation missing run subcommand: %s", echoed)
	}
	if !strings.Contains(echoed, "--width 800") {
		t.Errorf("runtime invocation missing flags: %s", echoed)
	}
}

func TestDataURL(t *testing.T) {
	res := Result{Success: true, Data: []byte("<svg/>"), MimeType: MimeSVG}
	want := "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte("<svg/>"))
	if got := res.DataURL(); got != want {
		t.Errorf("DataURL() = %q, want %q", got, want)
	}

	failed := Result{Error: "boom"}
	if got := failed.DataURL(); got != "" {
		t.Errorf("failed result DataURL() = %q, want empty", got)
	}
}
