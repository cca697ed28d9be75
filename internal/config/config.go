// Package config loads the runner's startup configuration from the
// environment, matching the env-var convention used across the platform's
// backends.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Benjamin-Loison/ipol-demorunner/internal/params"
)

// Config is the runner's read-only-after-load startup configuration
// (SPEC_FULL.md §6).
type Config struct {
	Addr string

	ExecutionRoot     string
	CompilationRoot   string
	DockerImagePrefix string
	DockerExecPrefix  string
	ExecWorkdirDocker string
	UserUIDGID        string
	MaxTimeout        time.Duration
	GPUs              []string
	EnvVars           params.Params
}

// Load reads Config from the environment, applying the same defaults the
// prototype runner shipped with.
func Load() (Config, error) {
	cfg := Config{
		Addr:              env("DEMORUNNER_ADDR", ":8080"),
		ExecutionRoot:     env("DEMORUNNER_EXECUTION_ROOT", "/data/execution"),
		CompilationRoot:   env("DEMORUNNER_COMPILATION_ROOT", "/data/compilation"),
		DockerImagePrefix: env("DEMORUNNER_IMAGE_PREFIX", "ipol-demo-"),
		DockerExecPrefix:  env("DEMORUNNER_EXEC_PREFIX", "ipol-exec-"),
		ExecWorkdirDocker: env("DEMORUNNER_WORKDIR_IN_DOCKER", "/workdir"),
		UserUIDGID:        env("DEMORUNNER_USER_UID_GID", "1000:1000"),
	}

	maxTimeout := 300
	if v := strings.TrimSpace(env("DEMORUNNER_MAX_TIMEOUT", "")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, errors.New("invalid DEMORUNNER_MAX_TIMEOUT: " + err.Error())
		}
		maxTimeout = n
	}
	cfg.MaxTimeout = time.Duration(maxTimeout) * time.Second

	if v := strings.TrimSpace(env("DEMORUNNER_GPUS", "")); v != "" {
		for _, id := range strings.Split(v, ",") {
			id = strings.TrimSpace(id)
			if id != "" {
				cfg.GPUs = append(cfg.GPUs, id)
			}
		}
	}

	envVars, err := parseEnvVars(env("DEMORUNNER_ENV_VARS", ""))
	if err != nil {
		return Config{}, err
	}
	cfg.EnvVars = envVars

	if cfg.CompilationRoot == "" {
		return Config{}, errors.New("missing DEMORUNNER_COMPILATION_ROOT")
	}
	if cfg.ExecWorkdirDocker == "" {
		return Config{}, errors.New("missing DEMORUNNER_WORKDIR_IN_DOCKER")
	}

	return cfg, nil
}

// parseEnvVars parses a "NAME=VALUE,NAME2=VALUE2" list into Params, each
// value treated as a string; these merge into every execution's environment
// ahead of the denylist filter.
func parseEnvVars(raw string) (params.Params, error) {
	p := params.Params{}
	if strings.TrimSpace(raw) == "" {
		return p, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, found := strings.Cut(pair, "=")
		if !found {
			return nil, errors.New("invalid DEMORUNNER_ENV_VARS entry: " + pair)
		}
		p[name] = params.NewString(value)
	}
	return p, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); strings.TrimSpace(v) != "" {
		return v
	}
	return def
}
