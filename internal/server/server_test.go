package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/VladMinzatu/yaca/internal/callgraph"
	"github.com/VladMinzatu/yaca/internal/exporter"
	"github.com/VladMinzatu/yaca/internal/profiler"
	"github.com/VladMinzatu/yaca/internal/stack"
	"github.com/google/pprof/profile"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	profilespb "go.opentelemetry.io/proto/otlp/profiles/v1development"
	"google.golang.org/protobuf/proto"
)

type fakeControl struct {
	status  profiler.Status
	pid     string
	allow   string
	deny    string
	resets  int
	failPid bool
}

func (c *fakeControl) Status() profiler.Status { return c.status }

func (c *fakeControl) SetProcessID(v string) error {
	if c.failPid {
		return profiler.ErrInvalidProcessID
	}
	c.pid = v
	c.status.Active = v
	return nil
}

func (c *fakeControl) SetAllow(p string) error {
	if strings.Contains(p, "(") && !strings.Contains(p, ")") {
		return errors.New("invalid allow pattern")
	}
	c.allow = p
	c.status.Allow = p
	return nil
}

func (c *fakeControl) SetDeny(p string) error {
	c.deny = p
	c.status.Deny = p
	return nil
}

func (c *fakeControl) Reset() { c.resets++ }

var (
	m1 = stack.CallSite{Package: "A", Class: "B", Method: "m1"}
	m2 = stack.CallSite{Package: "A", Class: "B", Method: "m2"}
)

func setup(t *testing.T) (*Server, *fakeControl, *callgraph.Graph, *exporter.SampleSet, http.Handler) {
	t.Helper()
	ctl := &fakeControl{status: profiler.Status{Available: []int{}, Active: profiler.NoProcess}}
	graph := callgraph.New()
	samples := exporter.NewSampleSet(0)
	s := New(Options{Graph: graph, Control: ctl, Samples: samples, Interval: 10 * time.Millisecond})
	return s, ctl, graph, samples, s.Handler()
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthHandler(t *testing.T) {
	_, _, _, _, h := setup(t)

	w := do(h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "healthy", response.Status)
	assert.Equal(t, "yaca", response.Service)

	w = do(h, http.MethodPost, "/health", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestSnapshotHandler(t *testing.T) {
	_, _, graph, _, h := setup(t)
	graph.Ingest([]stack.CallSite{m1, m2})

	t.Run("renders the graph", func(t *testing.T) {
		w := do(h, http.MethodGet, "/process/", "")
		require.Equal(t, http.StatusOK, w.Code)

		var snap callgraph.Snapshot
		require.NoError(t, json.NewDecoder(w.Body).Decode(&snap))
		require.Len(t, snap.Nodes, 3)
		require.Len(t, snap.Links, 3)
		assert.Equal(t, "A.B", snap.Nodes[0].Name)
		assert.True(t, snap.Nodes[0].IsCluster)
		assert.Zero(t, snap.Nodes[0].Calls)
		assert.Equal(t, int64(callgraph.MaxActivity), snap.Nodes[1].Calls)
	})

	t.Run("counters are rearmed after render", func(t *testing.T) {
		w := do(h, http.MethodGet, "/process/", "")
		var snap callgraph.Snapshot
		require.NoError(t, json.NewDecoder(w.Body).Decode(&snap))
		for _, n := range snap.Nodes {
			assert.Zero(t, n.Calls, n.Name)
		}
	})

	t.Run("uses the front end field names", func(t *testing.T) {
		w := do(h, http.MethodGet, "/process/?pretty=true", "")
		body := w.Body.String()
		for _, field := range []string{`"clusterId"`, `"isClusterNode"`, `"calls"`, `"sourceId"`, `"targetId"`, `"isClusterLink"`} {
			assert.Contains(t, body, field)
		}
		assert.Contains(t, body, "\n  ")
	})

	t.Run("unknown sub path", func(t *testing.T) {
		w := do(h, http.MethodGet, "/process/nope", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestSnapshotHandler_LogsRenderedStats(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	ctl := &fakeControl{status: profiler.Status{Active: "42", Connected: true}}
	graph := callgraph.New()
	s := New(Options{Graph: graph, Control: ctl, Logger: logger})
	graph.Ingest([]stack.CallSite{m1, m2, m1})

	w := do(s.Handler(), http.MethodGet, "/process/", "")
	require.Equal(t, http.StatusOK, w.Code)
	var snap callgraph.Snapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&snap))

	var entries []*logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Message == "Snapshot" {
			entries = append(entries, e)
		}
	}
	require.Len(t, entries, 1)
	assert.Equal(t, "42", entries[0].Data["pid"])
	assert.Equal(t, len(snap.Nodes), entries[0].Data["nodes"])
	assert.Equal(t, len(snap.Links), entries[0].Data["links"])
	assert.Equal(t, int64(2), entries[0].Data["maxCount"])
	assert.Equal(t, true, entries[0].Data["connected"])
}

func TestStatusHandler(t *testing.T) {
	_, ctl, _, _, h := setup(t)
	ctl.status = profiler.Status{Available: []int{300, 100}, Active: "300", Connected: true, Session: "abc"}

	w := do(h, http.MethodGet, "/process/ids", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, []any{300.0, 100.0}, got["process_id_available"])
	assert.Equal(t, "300", got["process_id_active"])
	assert.Equal(t, true, got["connected"])
}

func TestProcessIDHandler(t *testing.T) {
	_, ctl, _, _, h := setup(t)

	w := do(h, http.MethodPut, "/process/id", " 4711\n")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "4711", ctl.pid)

	ctl.failPid = true
	w = do(h, http.MethodPut, "/process/id", "abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(h, http.MethodGet, "/process/id", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestFilterHandlers(t *testing.T) {
	_, ctl, _, _, h := setup(t)

	w := do(h, http.MethodPut, "/filterWhite", "acme")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "acme", ctl.allow)

	w = do(h, http.MethodPut, "/filterWhite", "(broken")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "acme", ctl.allow)

	w = do(h, http.MethodDelete, "/filterWhite", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "", ctl.allow)

	w = do(h, http.MethodPut, "/filterBlack", "java\\.")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "java\\.", ctl.deny)

	w = do(h, http.MethodDelete, "/filterBlack", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "", ctl.deny)

	w = do(h, http.MethodGet, "/filterBlack", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestTasksHandler(t *testing.T) {
	_, ctl, _, samples, h := setup(t)
	samples.Add(profiler.Sample{PID: 1, Stack: []stack.CallSite{m1}, Count: 1})

	w := do(h, http.MethodDelete, "/tasks", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1, ctl.resets)
	assert.Zero(t, samples.Len())
}

func TestAnalyzerHandler(t *testing.T) {
	done := make(chan struct{})
	ctl := &fakeControl{}
	s := New(Options{Graph: callgraph.New(), Control: ctl, Shutdown: func() { close(done) }})

	w := do(s.Handler(), http.MethodDelete, "/analyzer", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown was not called")
	}

	s = New(Options{Graph: callgraph.New(), Control: ctl})
	w = do(s.Handler(), http.MethodDelete, "/analyzer", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestOptionsHandler(t *testing.T) {
	_, _, _, _, h := setup(t)

	w := do(h, http.MethodGet, "/analyzer/options", "")
	assert.Equal(t, "{}", w.Body.String())

	w = do(h, http.MethodPut, "/analyzer/options", `{"ACTIVE_PID":"42"}`)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(h, http.MethodGet, "/analyzer/options", "")
	assert.JSONEq(t, `{"ACTIVE_PID":"42"}`, w.Body.String())

	w = do(h, http.MethodPut, "/analyzer/options", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExportHandlers(t *testing.T) {
	_, _, _, samples, h := setup(t)
	samples.Add(profiler.Sample{Timestamp: time.Unix(1, 0), PID: 9, Stack: []stack.CallSite{m1, m2}, Count: 2})

	t.Run("folded", func(t *testing.T) {
		w := do(h, http.MethodGet, "/export/folded", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "A.B.m2;A.B.m1 2\n", w.Body.String())
	})

	t.Run("pprof", func(t *testing.T) {
		w := do(h, http.MethodGet, "/export/pprof", "")
		require.Equal(t, http.StatusOK, w.Code)
		p, err := profile.Parse(w.Body)
		require.NoError(t, err)
		require.Len(t, p.Sample, 1)
		assert.Equal(t, int64(2), p.Sample[0].Value[0])
	})

	t.Run("otlp", func(t *testing.T) {
		w := do(h, http.MethodGet, "/export/otlp", "")
		require.Equal(t, http.StatusOK, w.Code)
		var data profilespb.ProfilesData
		require.NoError(t, proto.Unmarshal(w.Body.Bytes(), &data))
		assert.Len(t, data.GetResourceProfiles()[0].GetScopeProfiles()[0].GetProfiles()[0].GetSamples(), 1)
	})

	t.Run("exports do not consume samples", func(t *testing.T) {
		assert.Equal(t, 1, samples.Len())
	})
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, _, _, h := setup(t)
	w := do(h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCors(t *testing.T) {
	ctl := &fakeControl{}
	s := New(Options{Graph: callgraph.New(), Control: ctl, AllowedOrigin: "http://localhost:3000"})
	h := s.Handler()

	w := do(h, http.MethodOptions, "/process/", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(h, http.MethodGet, "/health", "")
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}
