package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apiaryhq/apiary/pkg/config"
	"github.com/apiaryhq/apiary/pkg/events"
	"github.com/apiaryhq/apiary/pkg/files"
	"github.com/apiaryhq/apiary/pkg/orchestrator"
	"github.com/apiaryhq/apiary/pkg/runtime"
	"github.com/apiaryhq/apiary/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRuntime struct {
	mu         sync.Mutex
	containers map[string]bool
}

func (f *stubRuntime) Create(_ context.Context, spec *runtime.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[spec.ID] = false
	return spec.ID, nil
}

func (f *stubRuntime) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id] = true
	return nil
}

func (f *stubRuntime) Stop(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id] = false
	return nil
}

func (f *stubRuntime) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	return nil
}

func (f *stubRuntime) Inspect(_ context.Context, id string) (*runtime.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	running, ok := f.containers[id]
	if !ok {
		return &runtime.Status{State: "absent"}, nil
	}
	return &runtime.Status{Running: running, State: "running"}, nil
}

func (f *stubRuntime) Exists(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[id]
	return ok, nil
}

func (f *stubRuntime) Close() error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *orchestrator.Orchestrator) {
	t.Helper()
	cfg := config.Default()
	cfg.DataRoot = t.TempDir()

	orch, err := orchestrator.New(cfg, &stubRuntime{containers: make(map[string]bool)})
	require.NoError(t, err)
	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(func() { orch.Stop(context.Background()) })

	ts := httptest.NewServer(NewServer(orch).Handler())
	t.Cleanup(ts.Close)
	return ts, orch
}

func doJSON(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNodeLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/nodes", types.Bee{ID: "b1", Name: "Builder"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// Duplicate id conflicts.
	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/nodes", types.Bee{ID: "b1", Name: "Builder"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/nodes/b1/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var state types.AgentState
	decode(t, resp, &state)
	assert.True(t, state.Running)

	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/nodes/b1/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &state)
	assert.False(t, state.Running)

	var states []*types.AgentState
	resp, err := http.Get(ts.URL + "/v1/nodes")
	require.NoError(t, err)
	decode(t, resp, &states)
	require.Len(t, states, 1)
	assert.Equal(t, "b1", states[0].ID)

	resp = doJSON(t, http.MethodDelete, ts.URL+"/v1/nodes/b1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
}

func TestMailSendAndNoRoute(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/nodes", types.Bee{ID: "b1", Name: "Builder"})
	resp.Body.Close()

	// No human→b1 edge yet: forbidden by topology.
	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/mail",
		map[string]string{"to": "b1", "subject": "hi", "body": "x"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/connections",
		map[string]interface{}{"from": "human", "to": "b1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/mail",
		map[string]string{"to": "b1", "subject": "hi", "body": "x"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var m types.Mail
	decode(t, resp, &m)
	assert.Equal(t, "human", m.From)
	assert.Equal(t, "b1", m.To)

	var inbox []*types.Mail
	resp, err := http.Get(ts.URL + "/v1/nodes/b1/inbox")
	require.NoError(t, err)
	decode(t, resp, &inbox)
	require.Len(t, inbox, 1)
	assert.Equal(t, m.ID, inbox[0].ID)

	var outbox []*types.Mail
	resp, err = http.Get(ts.URL + "/v1/human/outbox")
	require.NoError(t, err)
	decode(t, resp, &outbox)
	require.Len(t, outbox, 1)
}

func TestMailSendUnknownRecipient(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/mail",
		map[string]string{"to": "ghost", "subject": "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestSwarmRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)

	var cfg types.SwarmConfig
	resp, err := http.Get(ts.URL + "/v1/swarm")
	require.NoError(t, err)
	decode(t, resp, &cfg)

	cfg.Name = "hive"
	cfg.Bees = []*types.Bee{{ID: "b1", Name: "Builder"}}
	cfg.Connections = []*types.Connection{{From: "human", To: "b1", Bidirectional: true}}

	resp = doJSON(t, http.MethodPut, ts.URL+"/v1/swarm", cfg)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	var got types.SwarmConfig
	resp, err = http.Get(ts.URL + "/v1/swarm")
	require.NoError(t, err)
	decode(t, resp, &got)
	assert.Equal(t, "hive", got.Name)
	require.Len(t, got.Bees, 1)
}

func TestSwarmPutRejectsUnknownEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	cfg := types.SwarmConfig{
		Name:        "broken",
		Connections: []*types.Connection{{From: "human", To: "nobody"}},
	}
	resp := doJSON(t, http.MethodPut, ts.URL+"/v1/swarm", cfg)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestMailCounts(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/v1/mail/counts")
	require.NoError(t, err)
	var counts map[string]types.QueueSnapshot
	decode(t, resp, &counts)
	_, ok := counts["human"]
	assert.True(t, ok)
}

func TestFileUploadFetchMeta(t *testing.T) {
	ts, _ := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("attachment body"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.URL+"/v1/files", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var meta files.Meta
	decode(t, resp, &meta)
	assert.Equal(t, "notes.txt", meta.Filename)

	resp, err = http.Get(ts.URL + "/v1/files/" + meta.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "attachment body", string(data))

	resp2, err := http.Get(ts.URL + "/v1/files/" + meta.ID + "/meta")
	require.NoError(t, err)
	var got files.Meta
	decode(t, resp2, &got)
	assert.Equal(t, meta.ID, got.ID)

	resp3, err := http.Get(ts.URL + "/v1/files/nope/meta")
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

func TestCanvasPassthrough(t *testing.T) {
	ts, _ := newTestServer(t)

	payload := `{"nodes":[{"id":"b1","x":1}]}`
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/v1/canvas", strings.NewReader(payload))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v1/canvas")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, payload, string(data))
}

func TestCanvasRejectsInvalidJSON(t *testing.T) {
	ts, _ := newTestServer(t)
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/v1/canvas", strings.NewReader("{broken"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	ts, orch := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the server a beat to register the subscription before
	// publishing.
	time.Sleep(50 * time.Millisecond)
	orch.Broker().Publish(events.TopicBeeStatus, map[string]interface{}{"id": "b1", "running": true})

	// Other topics (counter emissions) may interleave; scan for ours.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var ev events.Event
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Topic != events.TopicBeeStatus {
			continue
		}
		assert.NotEmpty(t, ev.ID)
		return
	}
}
