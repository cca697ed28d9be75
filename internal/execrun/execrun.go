// Package execrun implements the container-runner pipeline: stage inputs
// into a temp dir, create and start a container bound to it, drain its
// logs under a deadline, classify the outcome, and collect the temp dir as
// a zip archive (SPEC_FULL.md §4.5).
package execrun

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Benjamin-Loison/ipol-demorunner/internal/dockerengine"
	"github.com/Benjamin-Loison/ipol-demorunner/internal/envelope"
	"github.com/Benjamin-Loison/ipol-demorunner/internal/params"
	"github.com/Benjamin-Loison/ipol-demorunner/internal/pathstage"
)

// Kind classifies an Error so the HTTP layer can map it onto the right
// envelope shape.
type Kind int

const (
	KindTimeout Kind = iota
	KindNonZeroExit
	KindEngineError
	KindIOError
	KindPathEscape
	KindArchiveError
)

// Error is the typed failure returned by Run.
type Error struct {
	Kind     Kind
	Message  string
	ExitCode int64
	Output   string
	Cause    error
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.Cause }

// Input is one uploaded file keyed by its client-supplied name.
type Input struct {
	OriginalName string
	Content      io.Reader
}

// Request is the exec_and_wait payload.
type Request struct {
	DemoID  string
	Key     string
	Params  params.Params
	DDLRun  string
	Timeout time.Duration
	Inputs  []Input
}

// Config is the subset of runtime configuration Run needs.
type Config struct {
	ImagePrefix     string
	ExecPrefix      string
	WorkdirInDocker string
	UserUIDGID      string
	MaxTimeout      time.Duration
	GPUs            []string
}

// Result is the successful outcome of Run.
type Result struct {
	Zip     []byte
	Runtime float64
}

// Run executes one demo invocation end to end, returning either a Result or
// a typed *Error. Cleanup (container removal) is unconditional: a deferred
// best-effort removal fires regardless of which branch returns.
func Run(ctx context.Context, engine dockerengine.Engine, cfg Config, req Request) (*Result, error) {
	tempDir, err := os.MkdirTemp("", "ipol-exec-")
	if err != nil {
		return nil, &Error{Kind: KindIOError, Message: err.Error(), Cause: err}
	}
	defer os.RemoveAll(tempDir)

	canonDir, err := pathstage.Canonicalize(tempDir)
	if err != nil {
		return nil, &Error{Kind: KindIOError, Message: err.Error(), Cause: err}
	}

	for _, input := range req.Inputs {
		dest, err := pathstage.ScopedJoin(canonDir, input.OriginalName)
		if err != nil {
			return nil, &Error{Kind: KindPathEscape, Message: fmt.Sprintf("input %q escapes staging directory", input.OriginalName), Cause: err}
		}
		if err := persistUpload(dest, input.Content); err != nil {
			return nil, &Error{Kind: KindIOError, Message: err.Error(), Cause: err}
		}
	}

	stdoutPath := filepath.Join(canonDir, "stdout.txt")
	stderrPath := filepath.Join(canonDir, "stderr.txt")
	stdoutFile, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &Error{Kind: KindIOError, Message: err.Error(), Cause: err}
	}
	defer stdoutFile.Close()
	stderrFile, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &Error{Kind: KindIOError, Message: err.Error(), Cause: err}
	}
	defer stderrFile.Close()

	name := fmt.Sprintf("%s%s-%s", cfg.ExecPrefix, req.DemoID, req.Key)
	spec := dockerengine.ContainerSpec{
		Image:      fmt.Sprintf("%s%s:latest", cfg.ImagePrefix, req.DemoID),
		User:       cfg.UserUIDGID,
		Cmd:        []string{"/bin/bash", "-c", req.DDLRun},
		Env:        params.ToEnv(req.Params, req.DemoID, req.Key),
		WorkingDir: cfg.WorkdirInDocker,
		Binds:      []string{fmt.Sprintf("%s:%s", canonDir, cfg.WorkdirInDocker)},
	}
	if len(cfg.GPUs) > 0 {
		spec.DeviceRequests = []dockerengine.DeviceRequest{{
			DeviceIDs:    cfg.GPUs,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	id, err := engine.CreateContainer(ctx, name, spec)
	if err != nil {
		return nil, &Error{Kind: KindEngineError, Message: err.Error(), Cause: err}
	}
	defer func() {
		// Best-effort unconditional cleanup: the container is removed
		// regardless of which branch below returns.
		removeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = engine.RemoveContainer(removeCtx, id, true)
	}()

	if err := engine.StartContainer(ctx, id); err != nil {
		return nil, &Error{Kind: KindEngineError, Message: err.Error(), Cause: err}
	}

	// An explicit 0 is a literal immediate deadline, not "unset" (callers
	// that want the configured default pass cfg.MaxTimeout themselves);
	// only a negative value and one exceeding the configured ceiling are
	// clamped, mirroring max_timeout.min(requested).
	timeout := req.Timeout
	if timeout < 0 {
		timeout = 0
	}
	if timeout > cfg.MaxTimeout {
		timeout = cfg.MaxTimeout
	}
	drainCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, timedOut, err := drainLogs(drainCtx, engine, id, stdoutFile, stderrFile)
	if err != nil {
		return nil, &Error{Kind: KindEngineError, Message: err.Error(), Cause: err}
	}
	if timedOut {
		return nil, &Error{Kind: KindTimeout, Message: envelope.IPOLTimeoutLong}
	}

	state, err := engine.InspectContainer(ctx, id)
	if err != nil {
		return nil, &Error{Kind: KindEngineError, Message: err.Error(), Cause: err}
	}
	if state.ExitCode != 0 {
		return nil, &Error{
			Kind:     KindNonZeroExit,
			Message:  envelope.NonZeroExitMessage(state.ExitCode, output),
			ExitCode: state.ExitCode,
			Output:   output,
		}
	}

	var runtime float64
	if !state.StartedAt.IsZero() && !state.FinishedAt.IsZero() {
		runtime = state.FinishedAt.Sub(state.StartedAt).Seconds()
	}

	zipBytes, err := pathstage.ZipTree(canonDir)
	if err != nil {
		return nil, &Error{Kind: KindArchiveError, Message: err.Error(), Cause: err}
	}

	return &Result{Zip: zipBytes, Runtime: runtime}, nil
}

// drainLogs follows id's combined stdout/stderr stream until it ends or ctx
// is cancelled, appending each chunk to the matching file and to a combined
// in-order buffer. It reports whether ctx's deadline fired before the
// stream ended.
func drainLogs(ctx context.Context, engine dockerengine.Engine, id string, stdoutFile, stderrFile io.Writer) (output string, timedOut bool, err error) {
	stream, err := engine.StreamLogs(ctx, id)
	if err != nil {
		return "", false, err
	}
	defer stream.Close()

	var combined bytes.Buffer
	demuxDone := make(chan error, 1)
	go func() {
		demuxDone <- dockerengine.DemuxLogs(stream,
			func(b []byte) {
				stdoutFile.Write(b)
				combined.Write(b)
			},
			func(b []byte) {
				stderrFile.Write(b)
				combined.Write(b)
			},
		)
	}()

	select {
	case <-ctx.Done():
		stream.Close()
		<-demuxDone // wait so the goroutine stops touching combined before we read it
		return "", true, nil
	case err := <-demuxDone:
		return combined.String(), false, err
	}
}

func persistUpload(dest string, content io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, content)
	return err
}

// RuntimeHeaderValue formats a run duration for the response's
// runtime-seconds header.
func RuntimeHeaderValue(seconds float64) string {
	return strconv.FormatFloat(seconds, 'f', -1, 64)
}
