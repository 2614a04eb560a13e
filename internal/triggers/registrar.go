package triggers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/ember/internal/registry"
)

const registrarTimeout = 30 * time.Second

// Registrar publishes event-trigger subscriptions to sibling emulators.
type Registrar struct {
	client    *http.Client
	directory registry.Directory
}

// NewRegistrar returns a registrar resolving siblings through dir.
func NewRegistrar(dir registry.Directory) *Registrar {
	return &Registrar{
		client:    &http.Client{Timeout: registrarTimeout},
		directory: dir,
	}
}

// Register PUTs the trigger's subscription payload to the sibling emulator
// serving its event service. A response body of literal "{}" is the positive
// acknowledgement; other bodies are ignored without retry.
func (r *Registrar) Register(ctx context.Context, projectID string, def *Definition) error {
	if def.Event == nil {
		return fmt.Errorf("trigger %s has no event payload", def.Name)
	}

	addr, ok := r.directory.Lookup(def.Event.Service)
	if !ok {
		return fmt.Errorf("no %s emulator registered", def.Event.Service)
	}

	body, err := json.Marshal(map[string]any{"eventTrigger": def.Event})
	if err != nil {
		return fmt.Errorf("encoding event trigger: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d/emulator/v1/projects/%s/triggers/%s",
		addr.Host, addr.Port, projectID, def.Name)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("registering trigger %s: %w", def.Name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading registration response: %w", err)
	}

	if strings.TrimSpace(string(respBody)) == "{}" {
		log.Info().
			Str("trigger", def.Name).
			Str("service", def.Event.Service).
			Msg("Trigger registered with sibling emulator")
	}

	return nil
}
