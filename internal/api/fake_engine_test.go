package api

import (
	"context"
	"io"
	"strings"

	"github.com/Benjamin-Loison/ipol-demorunner/internal/dockerengine"
)

// fakeEngine scripts container lifecycle and image-list/build responses for
// end-to-end handler tests, without a real daemon.
type fakeEngine struct {
	existingTags  []string
	buildResponse string
	logStream     string
	state         dockerengine.ContainerState
	createdSpec   dockerengine.ContainerSpec
}

func (f *fakeEngine) ListImageTags(ctx context.Context, repository string) ([]string, error) {
	return f.existingTags, nil
}

func (f *fakeEngine) RemoveImage(ctx context.Context, ref string, force bool) error { return nil }

func (f *fakeEngine) BuildImage(ctx context.Context, tarStream io.Reader, dockerfile, tag string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.buildResponse)), nil
}

func (f *fakeEngine) TagImage(ctx context.Context, source, targetTag string) error { return nil }

func (f *fakeEngine) CreateContainer(ctx context.Context, name string, spec dockerengine.ContainerSpec) (string, error) {
	f.createdSpec = spec
	return "fake-id", nil
}

func (f *fakeEngine) StartContainer(ctx context.Context, id string) error { return nil }

func (f *fakeEngine) StreamLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.logStream)), nil
}

func (f *fakeEngine) InspectContainer(ctx context.Context, id string) (dockerengine.ContainerState, error) {
	return f.state, nil
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, id string, force bool) error { return nil }

var _ dockerengine.Engine = (*fakeEngine)(nil)
