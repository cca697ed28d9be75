// Package api exposes the demo-runner's HTTP surface: thin handlers that
// validate input, dispatch to the compile/execrun pipelines, and map their
// typed errors onto the shared JSON envelope (SPEC_FULL.md §4.6, §7).
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Benjamin-Loison/ipol-demorunner/internal/compile"
	"github.com/Benjamin-Loison/ipol-demorunner/internal/config"
	"github.com/Benjamin-Loison/ipol-demorunner/internal/dockerengine"
	"github.com/Benjamin-Loison/ipol-demorunner/internal/envelope"
	"github.com/Benjamin-Loison/ipol-demorunner/internal/execrun"
	"github.com/Benjamin-Loison/ipol-demorunner/internal/params"
)

// idPattern is the validation regex demo_id and key are held to at the HTTP
// boundary; everything downstream assumes it already holds.
var idPattern = regexp.MustCompile(`^\w+$`)

// Server holds the dependencies the HTTP handlers need.
type Server struct {
	cfg    config.Config
	engine dockerengine.Engine
	log    *log.Logger
	notify context.CancelFunc
}

// New builds a Server. notify is invoked when /shutdown is hit; it may be
// nil in tests that don't exercise shutdown.
func New(cfg config.Config, engine dockerengine.Engine, logger *log.Logger, notify context.CancelFunc) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "demorunner ", log.LstdFlags|log.LUTC)
	}
	return &Server{cfg: cfg, engine: engine, log: logger, notify: notify}
}

// Router builds the HTTP mux, mounted by cmd/demorunner at both
// /api/demorunner/ and /api/demorunner-docker/.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("This is the IPOL DemoRunner module (docker)"))
	})
	r.Get("/ping", s.handlePing)
	r.Get("/shutdown", s.handleShutdown)
	r.Get("/get_workload", s.handleGetWorkload)
	r.Post("/ensure_compilation", s.handleEnsureCompilation)
	r.Post("/exec_and_wait", s.handleExecAndWait)
	return r
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK", "ping": "pong"})
}

func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	if s.notify != nil {
		s.notify()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (s *Server) handleGetWorkload(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "OK", "workload": 1.0})
}

type ddlBuild struct {
	URL        string `json:"url"`
	Rev        string `json:"rev"`
	Dockerfile string `json:"dockerfile"`
}

func (s *Server) handleEnsureCompilation(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}

	demoID := r.FormValue("demo_id")
	if !idPattern.MatchString(demoID) {
		http.Error(w, "invalid demo_id", http.StatusBadRequest)
		return
	}

	var build ddlBuild
	if err := json.Unmarshal([]byte(r.FormValue("ddl_build")), &build); err != nil {
		http.Error(w, "invalid ddl_build", http.StatusBadRequest)
		return
	}

	cfg := compile.Config{CompilationRoot: s.cfg.CompilationRoot, ImagePrefix: s.cfg.DockerImagePrefix}
	req := compile.Request{URL: build.URL, Rev: build.Rev, Dockerfile: build.Dockerfile}

	_, err := compile.EnsureImage(r.Context(), s.engine, cfg, demoID, req)
	if err != nil {
		s.log.Printf("ensure_compilation demo_id=%s: %v", demoID, err)
		var cerr *compile.Error
		if asCompileError(err, &cerr) && cerr.Kind == compile.KindBuildError {
			writeJSON(w, http.StatusOK, envelope.BuildFailed(cerr.Message, cerr.Transcript))
			return
		}
		writeJSON(w, http.StatusOK, envelope.BuildFailed(err.Error(), ""))
		return
	}
	writeJSON(w, http.StatusOK, envelope.BuildOK(""))
}

func asCompileError(err error, target **compile.Error) bool {
	cerr, ok := err.(*compile.Error)
	if !ok {
		return false
	}
	*target = cerr
	return true
}

func (s *Server) handleExecAndWait(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(128 << 20); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}

	demoID := r.FormValue("demo_id")
	key := r.FormValue("key")
	if !idPattern.MatchString(demoID) || !idPattern.MatchString(key) {
		http.Error(w, "invalid demo_id or key", http.StatusBadRequest)
		return
	}

	var reqParams params.Params
	if raw := r.FormValue("params"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &reqParams); err != nil {
			http.Error(w, "invalid params", http.StatusBadRequest)
			return
		}
	}
	// Operator-configured env_vars win over a same-named request param.
	if reqParams == nil && len(s.cfg.EnvVars) > 0 {
		reqParams = params.Params{}
	}
	for name, value := range s.cfg.EnvVars {
		reqParams[name] = value
	}

	ddlRun, err := decodeDDLRun(r.FormValue("ddl_run"))
	if err != nil {
		http.Error(w, "invalid ddl_run", http.StatusBadRequest)
		return
	}

	timeout := s.cfg.MaxTimeout
	if v := r.FormValue("timeout"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
		timeout = time.Duration(secs * float64(time.Second))
	}

	var inputs []execrun.Input
	if r.MultipartForm != nil {
		for _, headers := range r.MultipartForm.File {
			for _, fh := range headers {
				f, err := fh.Open()
				if err != nil {
					http.Error(w, "invalid upload", http.StatusBadRequest)
					return
				}
				defer f.Close()
				inputs = append(inputs, execrun.Input{OriginalName: fh.Filename, Content: f})
			}
		}
	}

	execCfg := execrun.Config{
		ImagePrefix:     s.cfg.DockerImagePrefix,
		ExecPrefix:      s.cfg.DockerExecPrefix,
		WorkdirInDocker: s.cfg.ExecWorkdirDocker,
		UserUIDGID:      s.cfg.UserUIDGID,
		MaxTimeout:      s.cfg.MaxTimeout,
		GPUs:            s.cfg.GPUs,
	}
	execReq := execrun.Request{
		DemoID:  demoID,
		Key:     key,
		Params:  reqParams,
		DDLRun:  ddlRun,
		Timeout: timeout,
		Inputs:  inputs,
	}

	runID := uuid.New()
	s.log.Printf("run=%s exec_and_wait demo_id=%s key=%s starting", runID, demoID, key)
	result, err := execrun.Run(r.Context(), s.engine, execCfg, execReq)
	if err != nil {
		s.log.Printf("run=%s exec_and_wait demo_id=%s key=%s: %v", runID, demoID, key, err)
		writeJSON(w, http.StatusOK, envelopeFor(err))
		return
	}
	s.log.Printf("run=%s exec_and_wait demo_id=%s key=%s completed runtime=%.3fs", runID, demoID, key, result.Runtime)

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("runtime-seconds", execrun.RuntimeHeaderValue(result.Runtime))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, bytes.NewReader(result.Zip))
}

// decodeDDLRun accepts ddl_run as either a bare shell command or a
// JSON-quoted string, matching the platform's historical wire format.
func decodeDDLRun(raw string) (string, error) {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return "", err
		}
		return s, nil
	}
	return raw, nil
}

func envelopeFor(err error) envelope.ExecEnvelope {
	cerr, ok := err.(*execrun.Error)
	if !ok {
		return envelope.Infrastructure(err.Error())
	}
	switch cerr.Kind {
	case execrun.KindTimeout:
		return envelope.Timeout()
	case execrun.KindNonZeroExit:
		return envelope.NonZeroExit(cerr.ExitCode, cerr.Output)
	default:
		return envelope.Infrastructure(cerr.Message)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
