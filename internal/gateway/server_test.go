package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/watzon/ember/internal/history"
	"github.com/watzon/ember/internal/registry"
	"github.com/watzon/ember/internal/worker"
)

func noSpawn(t *testing.T) SpawnFunc {
	return func(b *worker.Bundle, o *worker.Options) (Worker, error) {
		t.Fatalf("unexpected spawn")
		return nil, nil
	}
}

func TestServer_ListTriggersRunsFreshDiagnostic(t *testing.T) {
	source := newFakeSource(
		decodeDefinition(t, httpEntry("echo")),
		decodeDefinition(t, eventEntry("onWrite", "firestore")),
	)

	ts := newTestGateway(t, noSpawn(t), source)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int32(1), source.reloads.Load())

	var body struct {
		Triggers []struct {
			Name string `json:"name"`
		} `json:"triggers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Triggers, 2)
	require.Equal(t, "echo", body.Triggers[0].Name)
	require.Equal(t, "onWrite", body.Triggers[1].Name)
}

func TestServer_CORSPreflight(t *testing.T) {
	ts := newTestGateway(t, noSpawn(t), newFakeSource())

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/demo-proj/us-central1/echo", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Equal(t, "GET,OPTIONS,POST", resp.Header.Get("Access-Control-Allow-Methods"))
	require.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Content-Type")
}

func TestServer_CORSOnNormalResponses(t *testing.T) {
	ts := newTestGateway(t, noSpawn(t), newFakeSource())

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestServer_RequestIDHeader(t *testing.T) {
	ts := newTestGateway(t, noSpawn(t), newFakeSource())

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestServer_ExecutionsEndpoint(t *testing.T) {
	store, err := history.Open()
	require.NoError(t, err)
	defer store.Close()

	ts := newTestGateway(t, noSpawn(t), newFakeSource(), WithHistory(store))

	resp, err := http.Get(ts.URL + "/__/executions")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Executions []history.Entry `json:"executions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Empty(t, body.Executions)
}

func TestServer_ExecutionsDisabled(t *testing.T) {
	ts := newTestGateway(t, noSpawn(t), newFakeSource())

	resp, err := http.Get(ts.URL + "/__/executions")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	ts := newTestGateway(t, noSpawn(t), newFakeSource())

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_StartStopAndInfo(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Port = 0

	g := New(cfg, noSpawn(t), newFakeSource(), registry.Static{})

	require.NoError(t, g.Start())

	host, port := g.Info()
	require.Equal(t, "127.0.0.1", host)
	require.NotZero(t, port)

	resp, err := http.Get("http://" + host + ":" + strconv.Itoa(port) + "/")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, g.Stop(ctx))
}
