package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/watzon/ember/internal/history"
	"github.com/watzon/ember/internal/logproto"
	"github.com/watzon/ember/internal/metrics"
	"github.com/watzon/ember/internal/requestctx"
	"github.com/watzon/ember/internal/triggers"
	"github.com/watzon/ember/internal/worker"
)

var (
	// ErrUnknownTrigger means the requested name is absent from the
	// worker's trigger map.
	ErrUnknownTrigger = errors.New("unknown trigger")
	// ErrUnsupportedTrigger means the trigger exists but its event service
	// is not in the allow-list.
	ErrUnsupportedTrigger = errors.New("trigger service not supported")
	// ErrBadPayload means an event-trigger body was not valid JSON.
	ErrBadPayload = errors.New("request body is not valid JSON")
)

// fatalSink captures the text of the first FATAL record for best-effort
// inclusion in a failed outbound response.
type fatalSink struct {
	mu   sync.Mutex
	text string
}

func (f *fatalSink) observe(rec logproto.Record) {
	if rec.Level != logproto.LevelFatal {
		return
	}
	f.mu.Lock()
	if f.text == "" {
		f.text = rec.Text
	}
	f.mu.Unlock()
}

func (f *fatalSink) get() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.text
}

// invoke binds one buffered request to one fresh worker: exactly one
// outbound reply is ended per request, and the worker is terminated no later
// than its own natural exit or a FATAL log.
func (g *Gateway) invoke(w http.ResponseWriter, r *http.Request, projectID, triggerName string, body []byte) {
	start := time.Now()
	ctx := r.Context()

	invocationID := uuid.New().String()
	requestctx.SetInvocationID(ctx, invocationID)

	rec := &invocationRecord{
		gateway: g,
		id:      invocationID,
		trigger: triggerName,
		started: start,
	}

	// JSON is only required for event triggers; an HTTP trigger body passes
	// through verbatim. Pre-classify with the current table snapshot when it
	// already knows the trigger.
	var proto json.RawMessage
	validJSON := len(body) > 0 && json.Valid(body)
	if validJSON {
		proto = body
	}
	if def, ok := g.source.Table().Get(triggerName); ok && !def.IsHTTP() && len(body) > 0 && !validJSON {
		rec.finish("bad_payload", http.StatusBadRequest, ErrBadPayload)
		writeJSONError(w, http.StatusBadRequest, ErrBadPayload)
		return
	}

	bundle := &worker.Bundle{
		ProjectID:        projectID,
		Cwd:              g.cfg.Functions.Dir,
		TriggerID:        triggerName,
		Proto:            proto,
		Ports:            g.directory.Ports(),
		DisabledFeatures: g.cfg.Functions.DisabledFeatures,
	}

	wkr, err := g.spawn(bundle, nil)
	if err != nil {
		rec.finish("spawn_failed", http.StatusInternalServerError, err)
		writeJSONError(w, http.StatusInternalServerError, fmt.Errorf("spawning worker: %w", err))
		return
	}

	var fatal fatalSink
	removeForward := wkr.OnLog(func(lr logproto.Record) {
		logproto.Forward(lr)
		g.stream.Broadcast(lr)
		fatal.observe(lr)
	})
	defer removeForward()

	// Worker initialization emits triggers-parsed during startup, possibly
	// before ready, so the waiter must already be installed.
	parsed := worker.WaitFor(wkr, logproto.LevelSystem, logproto.TypeTriggersParsed, nil)

	socketPath, err := wkr.WaitReady(ctx)
	if err != nil {
		rec.finish("worker_exited", http.StatusInternalServerError, err)
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}

	parsedRec, err := parsed.Wait(ctx)
	if err != nil {
		_ = wkr.Kill(nil)
		rec.finish("no_trigger_map", http.StatusInternalServerError, err)
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}

	def, err := triggerFromParsed(parsedRec, triggerName)
	if err != nil {
		_ = wkr.Kill(nil)
		rec.finish("unknown_trigger", http.StatusInternalServerError, err)
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	if !def.Supported() {
		_ = wkr.Kill(nil)
		rec.finish("unsupported_trigger", http.StatusInternalServerError, ErrUnsupportedTrigger)
		writeJSONError(w, http.StatusInternalServerError, ErrUnsupportedTrigger)
		return
	}

	rec.service = def.Service()

	if !def.IsHTTP() {
		g.invokeEvent(ctx, w, wkr, rec)
		return
	}

	g.invokeHTTP(ctx, w, r, wkr, socketPath, body, &fatal, rec)
}

// invokeEvent waits for the worker to run the handler to completion and
// acknowledges. The worker's side effects are opaque to the gateway, so a
// non-zero exit is still acknowledged.
func (g *Gateway) invokeEvent(ctx context.Context, w http.ResponseWriter, wkr Worker, rec *invocationRecord) {
	code, err := wkr.WaitExit(ctx)
	if err != nil {
		// Caller went away before the worker finished: no reply.
		rec.finish("abandoned", 0, err)
		return
	}
	if code != 0 {
		log.Warn().Str("trigger", rec.trigger).Int("code", code).Msg("Event worker exited non-zero")
	}

	rec.finish("ok", http.StatusOK, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

// invokeHTTP opens an HTTP connection over the worker's announced unix
// socket, forwards the original request, and streams the response back.
// Status and headers are written exactly once; a transport error on either
// leg terminates the outbound response, with partial bytes possible once
// streaming has begun.
func (g *Gateway) invokeHTTP(ctx context.Context, w http.ResponseWriter, r *http.Request, wkr Worker, socketPath string, body []byte, fatal *fatalSink, rec *invocationRecord) {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, "http://unix"+r.URL.RequestURI(), bytes.NewReader(body))
	if err != nil {
		rec.finish("ipc_error", http.StatusInternalServerError, err)
		writeJSONError(w, http.StatusInternalServerError, fmt.Errorf("building worker request: %w", err))
		return
	}
	for k, vs := range r.Header {
		outReq.Header[k] = vs
	}
	outReq.Host = r.Host

	resp, err := client.Do(outReq)
	if err != nil {
		g.failTransport(ctx, w, wkr, fatal, rec, err)
		return
	}
	defer resp.Body.Close()

	hdr := w.Header()
	for k, vs := range resp.Header {
		hdr[k] = vs
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Debug().Err(err).Str("trigger", rec.trigger).Msg("Response stream ended early")
		if text := waitForFatal(ctx, wkr, fatal); text != "" {
			_, _ = w.Write([]byte(text))
		}
		rec.finish("ipc_error", resp.StatusCode, err)
	} else {
		rec.finish("ok", resp.StatusCode, nil)
	}

	// A client disconnect does not kill the worker; it exits on its own and
	// the handler sees it out.
	_, _ = wkr.WaitExit(context.Background())
}

// failTransport ends the response after an IPC failure before any bytes
// were forwarded, routing FATAL text into the body when available.
func (g *Gateway) failTransport(ctx context.Context, w http.ResponseWriter, wkr Worker, fatal *fatalSink, rec *invocationRecord, cause error) {
	text := waitForFatal(ctx, wkr, fatal)

	rec.finish("ipc_error", http.StatusInternalServerError, cause)

	if text != "" {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(text))
		return
	}
	writeJSONError(w, http.StatusInternalServerError, fmt.Errorf("worker transport error: %w", cause))
}

const fatalGrace = 5 * time.Second

// waitForFatal gives the log pumps a bounded window to deliver a FATAL
// record that raced the transport failure. Worker exit guarantees all
// records have been delivered.
func waitForFatal(ctx context.Context, wkr Worker, fatal *fatalSink) string {
	if text := fatal.get(); text != "" {
		return text
	}
	select {
	case <-wkr.Exited():
	case <-time.After(fatalGrace):
	case <-ctx.Done():
	}
	return fatal.get()
}

// triggerFromParsed extracts this invocation's definition from the
// triggers-parsed record's name→entry map.
func triggerFromParsed(rec logproto.Record, name string) (*triggers.Definition, error) {
	raw, ok := rec.Data["triggers"]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTrigger, name)
	}

	entries, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("malformed trigger map in triggers-parsed record")
	}

	entry, ok := entries[name].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTrigger, name)
	}

	encoded, err := json.Marshal(entry["definition"])
	if err != nil {
		return nil, fmt.Errorf("re-encoding trigger definition: %w", err)
	}

	var def triggers.Definition
	if err := json.Unmarshal(encoded, &def); err != nil {
		return nil, fmt.Errorf("decoding trigger definition: %w", err)
	}
	if def.Name == "" {
		def.Name = name
	}
	return &def, nil
}

// invocationRecord accumulates the outcome of one invocation for metrics
// and history.
type invocationRecord struct {
	gateway *Gateway
	id      string
	trigger string
	service string
	started time.Time
	done    bool
}

func (r *invocationRecord) finish(status string, httpStatus int, cause error) {
	if r.done {
		return
	}
	r.done = true

	service := r.service
	if service == "" {
		service = "unknown"
	}
	duration := time.Since(r.started)

	metrics.RecordInvocation(service, status, duration)

	if r.gateway.history == nil {
		return
	}

	entry := &history.Entry{
		ID:          r.id,
		Trigger:     r.trigger,
		Service:     service,
		Status:      status,
		HTTPStatus:  httpStatus,
		StartedAt:   r.started,
		CompletedAt: r.started.Add(duration),
		DurationMs:  duration.Milliseconds(),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.gateway.history.Record(ctx, entry); err != nil {
		log.Debug().Err(err).Msg("Failed to record invocation history")
	}
}
