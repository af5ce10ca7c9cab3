package pprof

import (
	"bytes"
	"testing"
	"time"

	"github.com/VladMinzatu/yaca/internal/profiler"
	"github.com/VladMinzatu/yaca/internal/stack"
	"github.com/google/pprof/profile"
)

var (
	siteA = stack.CallSite{Package: "com.acme", Class: "Worker", Method: "run"}
	siteB = stack.CallSite{Package: "com.acme", Class: "Pool", Method: "submit"}
)

func TestBuildPprofProfile_Empty(t *testing.T) {
	var samples []profiler.Sample
	p, err := BuildPprofProfile(samples, "samples", "count", 0)
	if err != nil {
		t.Fatalf("BuildPprofProfile returned error for empty slice: %v", err)
	}
	if p == nil {
		t.Fatalf("expected non-nil profile")
	}
	if len(p.Sample) != 0 {
		t.Fatalf("expected 0 samples, got %d", len(p.Sample))
	}
}

func TestBuildPprofProfile_SingleSample(t *testing.T) {
	now := time.Now()
	s := profiler.Sample{
		Timestamp: now,
		PID:       4242,
		Stack:     []stack.CallSite{siteA},
		Count:     3,
	}
	p, err := BuildPprofProfile([]profiler.Sample{s}, "samples", "count", int64(10*time.Millisecond))
	if err != nil {
		t.Fatalf("BuildPprofProfile error: %v", err)
	}

	if len(p.Sample) != 1 {
		t.Fatalf("expected 1 pprof sample, got %d", len(p.Sample))
	}

	pp := p.Sample[0]
	if got := pp.Value[0]; got != int64(3) {
		t.Fatalf("unexpected sample Value: got %d want %d", got, 3)
	}
	if pid, ok := pp.NumLabel["pid"]; !ok || len(pid) != 1 || pid[0] != 4242 {
		t.Fatalf("expected pid=4242 label, got %v", pp.NumLabel)
	}

	fn := findFuncByName(p, "com.acme.Worker.run")
	if fn == nil {
		t.Fatalf("function com.acme.Worker.run not found in profile.Function")
	}
	if fn.SystemName != "Worker.run" {
		t.Fatalf("unexpected SystemName %q", fn.SystemName)
	}
	if len(p.Location) != 1 || p.Location[0].Line[0].Function != fn {
		t.Fatalf("location does not reference the function: %+v", p.Location)
	}

	if p.TimeNanos != now.UnixNano() {
		t.Fatalf("unexpected TimeNanos: got %d want %d", p.TimeNanos, now.UnixNano())
	}
	if p.DurationNanos != 0 {
		t.Fatalf("expected DurationNanos 0 for single sample, got %d", p.DurationNanos)
	}
	if p.Period != int64(10*time.Millisecond) {
		t.Fatalf("unexpected Period %d", p.Period)
	}
}

func TestBuildPprofProfile_Dedup(t *testing.T) {
	t0 := time.Now()
	t1 := t0.Add(50 * time.Millisecond)

	samples := []profiler.Sample{
		{Timestamp: t1, Stack: []stack.CallSite{siteA}, Count: 2},
		{Timestamp: t0, Stack: []stack.CallSite{siteA, siteB}, Count: 1}, // leaf A -> root B
	}

	p, err := BuildPprofProfile(samples, "samples", "count", 0)
	if err != nil {
		t.Fatalf("BuildPprofProfile error: %v", err)
	}

	if len(p.Sample) != 2 {
		t.Fatalf("expected 2 pprof samples, got %d", len(p.Sample))
	}
	if len(p.Function) != 2 {
		t.Fatalf("expected 2 functions, got %d", len(p.Function))
	}
	if len(p.Location) != 2 {
		t.Fatalf("expected 2 locations, got %d", len(p.Location))
	}
	if p.Sample[0].Location[0] != p.Sample[1].Location[0] {
		t.Fatalf("expected the leaf location to be shared")
	}

	if p.TimeNanos != t0.UnixNano() {
		t.Fatalf("unexpected TimeNanos: got %d want %d", p.TimeNanos, t0.UnixNano())
	}
	if p.DurationNanos != t1.Sub(t0).Nanoseconds() {
		t.Fatalf("unexpected DurationNanos: got %d want %d", p.DurationNanos, t1.Sub(t0).Nanoseconds())
	}
	// input order is left alone
	if !samples[0].Timestamp.Equal(t1) {
		t.Fatalf("samples were reordered")
	}
}

func TestWriteProfileGzip_RoundTrip(t *testing.T) {
	samples := []profiler.Sample{
		{Timestamp: time.Unix(1, 0), PID: 7, Stack: []stack.CallSite{siteA, siteB}, Count: 5},
	}
	p, err := BuildPprofProfile(samples, "samples", "count", 1)
	if err != nil {
		t.Fatalf("BuildPprofProfile error: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteProfileGzip(p, &buf); err != nil {
		t.Fatalf("WriteProfileGzip error: %v", err)
	}
	parsed, err := profile.Parse(&buf)
	if err != nil {
		t.Fatalf("profile.Parse error: %v", err)
	}
	if len(parsed.Sample) != 1 || parsed.Sample[0].Value[0] != 5 {
		t.Fatalf("unexpected parsed samples: %v", parsed.Sample)
	}
	if findFuncByName(parsed, "com.acme.Pool.submit") == nil {
		t.Fatalf("function com.acme.Pool.submit missing after round trip")
	}
}

func findFuncByName(p *profile.Profile, name string) *profile.Function {
	for _, f := range p.Function {
		if f.Name == name {
			return f
		}
	}
	return nil
}
