package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/chirp/internal/history"
	"github.com/petrijr/chirp/internal/wfdb"
	"github.com/petrijr/chirp/pkg/id"
	"github.com/petrijr/chirp/pkg/kv/memkv"
	"github.com/petrijr/chirp/pkg/ups"
)

type fixture struct {
	db  wfdb.Database
	srv *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	db := wfdb.NewKV(memkv.MustNew(), ups.NewMemory(), wfdb.Config{Logger: log})
	t.Cleanup(func() { _ = db.Close() })

	srv := httptest.NewServer(New(db, 0, log).Router())
	t.Cleanup(srv.Close)
	return &fixture{db: db, srv: srv}
}

func (f *fixture) dispatch(t *testing.T, name string, tags map[string]string) id.Id {
	t.Helper()
	wfID, err := f.db.DispatchWorkflow(context.Background(), wfdb.DispatchOptions{
		WorkflowID: id.New(0),
		RayID:      id.New(0),
		Name:       name,
		Tags:       tags,
		Input:      json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	return wfID
}

func (f *fixture) get(t *testing.T, path string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (f *fixture) post(t *testing.T, path string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(f.srv.URL+path, "application/json", &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func historyLoc(n uint64) history.Location {
	return history.Location{history.Simple(n)}
}

func activityEventID(name string) history.EventID {
	return history.EventID{Name: name, InputHash: 1}
}

func TestListWorkflowsFilters(t *testing.T) {
	f := newFixture(t)
	f.dispatch(t, "order", map[string]string{"region": "eu"})
	f.dispatch(t, "order", map[string]string{"region": "us"})
	f.dispatch(t, "billing", nil)

	var out struct {
		Workflows []struct {
			Name  string            `json:"name"`
			State string            `json:"state"`
			Tags  map[string]string `json:"tags"`
		} `json:"workflows"`
	}
	resp := f.get(t, "/workflows?name=order&tags=region=eu", &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, out.Workflows, 1)
	require.Equal(t, "order", out.Workflows[0].Name)
	require.Equal(t, "eu", out.Workflows[0].Tags["region"])

	resp = f.get(t, "/workflows?state=Complete", &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, out.Workflows)

	resp = f.get(t, "/workflows?state=Bogus", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetWorkflow(t *testing.T) {
	f := newFixture(t)
	wfID := f.dispatch(t, "order", nil)

	var out struct {
		WorkflowID string `json:"workflow_id"`
		Name       string `json:"name"`
		State      string `json:"state"`
	}
	resp := f.get(t, "/workflows/"+wfID.String(), &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, wfID.String(), out.WorkflowID)
	require.Equal(t, "order", out.Name)
	require.Equal(t, "Sleeping", out.State)

	resp = f.get(t, "/workflows/"+id.New(0).String(), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.get(t, "/workflows/not-an-id", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSilenceAndWake(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wfID := f.dispatch(t, "order", nil)

	resp := f.post(t, "/workflows/"+wfID.String()+"/silence", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	wf, err := f.db.GetWorkflow(ctx, wfID)
	require.NoError(t, err)
	require.Equal(t, wfdb.StateSilenced, wf.DerivedState())

	resp = f.post(t, "/workflows/"+wfID.String()+"/wake", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	wf, err = f.db.GetWorkflow(ctx, wfID)
	require.NoError(t, err)
	require.NotEqual(t, wfdb.StateSilenced, wf.DerivedState())
}

func TestPublishSignal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wfID := f.dispatch(t, "order", nil)

	var out struct {
		SignalID string `json:"signal_id"`
	}
	resp := f.post(t, "/workflows/"+wfID.String()+"/signals",
		map[string]any{"name": "approve", "body": map[string]any{"by": "ops"}}, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, out.SignalID)

	// The signal is pullable by the run.
	sig, err := f.db.PullNextSignal(ctx, wfID, []string{"approve"}, historyLoc(1), 1, false)
	require.NoError(t, err)
	require.JSONEq(t, `{"by":"ops"}`, string(sig.Body))

	resp = f.post(t, "/workflows/"+wfID.String()+"/signals", map[string]any{"body": 1}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wfID := f.dispatch(t, "order", nil)

	loc := historyLoc(1)
	require.NoError(t, f.db.CommitActivityEvent(ctx, wfID, loc, 1,
		activityEventID("charge"), time.Now().UnixMilli(), nil, "timeout"))
	require.NoError(t, f.db.CommitActivityEvent(ctx, wfID, loc, 1,
		activityEventID("charge"), time.Now().UnixMilli(), json.RawMessage(`"ok"`), ""))

	var out struct {
		History []struct {
			Kind     string   `json:"kind"`
			Location string   `json:"location"`
			Errors   []string `json:"errors"`
		} `json:"history"`
	}
	resp := f.get(t, "/workflows/"+wfID.String()+"/history?include_errors&print_location", &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, out.History, 1)
	require.Equal(t, "activity", out.History[0].Kind)
	require.NotEmpty(t, out.History[0].Location)
	require.Equal(t, []string{"timeout"}, out.History[0].Errors)

	// Reset the decode buffer: json.Unmarshal reuses slice elements, so a
	// field omitted in the second response would keep its first-response value.
	out.History = nil
	resp = f.get(t, "/workflows/"+wfID.String()+"/history", &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, out.History[0].Errors)
}
