package worker

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/rs/zerolog/log"

	"github.com/watzon/ember/internal/logproto"
	"github.com/watzon/ember/internal/metrics"
)

// Options tune a single spawn.
type Options struct {
	// SerializedTriggers, when non-empty, is a pre-serialized trigger list
	// handed to the worker so it can skip re-enumerating the project.
	SerializedTriggers string
	// Env holds extra environment overrides layered over the ambient
	// environment.
	Env map[string]string
}

// Supervisor spawns worker processes and wires their pipes through the log
// codec.
type Supervisor struct {
	nodeBinary string
	entryPoint string
}

// NewSupervisor returns a supervisor that launches workers as
// `nodeBinary entryPoint <bundle> <triggers>`.
func NewSupervisor(nodeBinary, entryPoint string) *Supervisor {
	return &Supervisor{
		nodeBinary: nodeBinary,
		entryPoint: entryPoint,
	}
}

// Spawn starts one worker for the given bundle. The worker inherits the
// ambient environment plus any overrides, runs in bundle.Cwd, and speaks the
// log protocol on stdout and stderr.
func (s *Supervisor) Spawn(bundle *Bundle, opts *Options) (*Worker, error) {
	if opts == nil {
		opts = &Options{}
	}

	bundleJSON, err := bundle.encode()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(s.nodeBinary, s.entryPoint, bundleJSON, opts.SerializedTriggers)
	cmd.Dir = bundle.Cwd
	cmd.Env = append(os.Environ(), "node="+s.nodeBinary)
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening worker stderr: %w", err)
	}

	w := newWorker(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning worker: %w", err)
	}

	metrics.RecordWorkerSpawn(bundle.Diagnostic())

	log.Debug().
		Int("pid", w.Pid()).
		Str("trigger", bundle.TriggerID).
		Bool("diagnostic", bundle.Diagnostic()).
		Msg("Worker spawned")

	w.pumps.Add(2)
	go func() {
		defer w.pumps.Done()
		if err := logproto.Stream(stdout, w.emit); err != nil {
			log.Debug().Err(err).Int("pid", w.Pid()).Msg("Worker stdout closed with error")
		}
	}()
	go func() {
		defer w.pumps.Done()
		if err := logproto.Stream(stderr, w.emit); err != nil {
			log.Debug().Err(err).Int("pid", w.Pid()).Msg("Worker stderr closed with error")
		}
	}()

	go w.waitLoop()

	return w, nil
}
