// Package compile implements the image-builder pipeline: reconciling a
// demo's source tree against a pinned Git revision, then building and
// tagging a container image from it (SPEC_FULL.md §4.4).
package compile

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Benjamin-Loison/ipol-demorunner/internal/dockerengine"
	"github.com/Benjamin-Loison/ipol-demorunner/internal/gitreconcile"
	"github.com/Benjamin-Loison/ipol-demorunner/internal/pathstage"
)

// Kind classifies an Error so the HTTP layer can map it onto the right
// envelope shape.
type Kind int

const (
	KindMissingDockerfile Kind = iota
	KindBuildError
	KindGitError
	KindInfrastructureError
)

// Error is the typed failure returned by EnsureImage.
type Error struct {
	Kind       Kind
	Message    string
	Transcript string
	Cause      error
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.Cause }

func infraErr(format string, args ...any) *Error {
	return &Error{Kind: KindInfrastructureError, Message: fmt.Sprintf(format, args...)}
}

// Request is the ddl_build payload: the revision to build from and the
// Dockerfile path relative to the reconciled source tree's root.
type Request struct {
	URL        string
	Rev        string
	Dockerfile string
}

// Config is the subset of runtime configuration EnsureImage needs.
type Config struct {
	CompilationRoot string
	ImagePrefix     string
}

// EnsureImage reconciles demoID's source tree at the pinned revision, builds
// a container image from it unless an equivalent tag already exists, and
// leaves `<prefix><demoID>:latest` pointing at the result.
//
// transcript is the captured build output (or the skip note when the
// revision is already built). EnsureImage appends it to
// <CompilationRoot>/<demoID>/build.log itself, and a KindBuildError *Error
// carries it as Transcript. It is empty when Git reconciliation or the
// Dockerfile check fails.
func EnsureImage(ctx context.Context, engine dockerengine.Engine, cfg Config, demoID string, req Request) (transcript string, err error) {
	demoDir := filepath.Join(cfg.CompilationRoot, demoID)
	srcDir := filepath.Join(demoDir, "src")

	sha, gitErr := gitreconcile.Prepare(srcDir, req.URL, req.Rev)
	if gitErr != nil {
		return "", &Error{Kind: KindGitError, Message: gitErr.Error(), Cause: gitErr}
	}

	dockerfilePath := filepath.Join(srcDir, req.Dockerfile)
	if _, statErr := os.Stat(dockerfilePath); statErr != nil {
		return "", &Error{Kind: KindMissingDockerfile, Message: fmt.Sprintf("Couldn't find dockerfile: %s", req.Dockerfile)}
	}

	repository := cfg.ImagePrefix + demoID
	targetTag := fmt.Sprintf("%s:%s", repository, sha)
	latestTag := fmt.Sprintf("%s:latest", repository)

	existingTags, err := engine.ListImageTags(ctx, repository)
	if err != nil {
		return "", infraErr("listing images for %s: %s", repository, err)
	}
	for _, tag := range existingTags {
		if tag == targetTag {
			note := fmt.Sprintf("%s already built, skipping rebuild\n", targetTag)
			if writeErr := appendBuildLog(demoDir, note); writeErr != nil {
				return note, infraErr("writing build log: %s", writeErr)
			}
			return note, nil
		}
	}

	tarStream, err := pathstage.TarTree(srcDir)
	if err != nil {
		return "", infraErr("archiving %s: %s", srcDir, err)
	}

	buildResp, err := engine.BuildImage(ctx, bytes.NewReader(tarStream), req.Dockerfile, targetTag)
	if err != nil {
		return "", infraErr("starting build: %s", err)
	}
	defer buildResp.Close()

	var log strings.Builder
	buildFailed := false
	decodeErr := dockerengine.DecodeBuildEvents(buildResp, func(ev dockerengine.BuildEvent) {
		if ev.Stream != "" {
			log.WriteString(ev.Stream)
		}
		if ev.Error != "" {
			log.WriteString(ev.Error)
			log.WriteString("\n")
			buildFailed = true
		}
	})
	transcript = log.String()
	if writeErr := appendBuildLog(demoDir, transcript); writeErr != nil {
		return transcript, infraErr("writing build log: %s", writeErr)
	}
	if decodeErr != nil && decodeErr != io.EOF {
		return transcript, infraErr("reading build stream: %s", decodeErr)
	}
	if buildFailed {
		return transcript, &Error{Kind: KindBuildError, Message: "image build failed", Transcript: transcript}
	}

	for _, tag := range existingTags {
		if removeErr := engine.RemoveImage(ctx, tag, true); removeErr != nil {
			return transcript, infraErr("removing stale image %s: %s", tag, removeErr)
		}
	}

	if err := engine.TagImage(ctx, targetTag, latestTag); err != nil {
		return transcript, infraErr("tagging %s as %s: %s", targetTag, latestTag, err)
	}

	return transcript, nil
}

func appendBuildLog(demoDir, text string) error {
	if err := os.MkdirAll(demoDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(demoDir, "build.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(text)
	return err
}
