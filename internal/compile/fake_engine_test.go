package compile

import (
	"context"
	"io"
	"strings"

	"github.com/Benjamin-Loison/ipol-demorunner/internal/dockerengine"
)

// fakeEngine is a spy dockerengine.Engine used to exercise EnsureImage
// without a real daemon, matching the spy/fake pattern used throughout
// the retrieval pack's docker client tests.
type fakeEngine struct {
	tags          map[string][]string // repository -> tags
	buildResponse string
	buildErr      error
	buildCalls    int
	removedImages []string
	taggedAs      map[string]string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{tags: map[string][]string{}, taggedAs: map[string]string{}}
}

func (f *fakeEngine) ListImageTags(ctx context.Context, repository string) ([]string, error) {
	return f.tags[repository], nil
}

func (f *fakeEngine) RemoveImage(ctx context.Context, ref string, force bool) error {
	f.removedImages = append(f.removedImages, ref)
	return nil
}

func (f *fakeEngine) BuildImage(ctx context.Context, tarStream io.Reader, dockerfile, tag string) (io.ReadCloser, error) {
	f.buildCalls++
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	return io.NopCloser(strings.NewReader(f.buildResponse)), nil
}

func (f *fakeEngine) TagImage(ctx context.Context, source, targetTag string) error {
	f.taggedAs[source] = targetTag
	return nil
}

func (f *fakeEngine) CreateContainer(ctx context.Context, name string, spec dockerengine.ContainerSpec) (string, error) {
	return "fake-container-id", nil
}

func (f *fakeEngine) StartContainer(ctx context.Context, id string) error { return nil }

func (f *fakeEngine) StreamLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeEngine) InspectContainer(ctx context.Context, id string) (dockerengine.ContainerState, error) {
	return dockerengine.ContainerState{}, nil
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, id string, force bool) error { return nil }

var _ dockerengine.Engine = (*fakeEngine)(nil)
