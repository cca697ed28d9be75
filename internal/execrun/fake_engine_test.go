package execrun

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/Benjamin-Loison/ipol-demorunner/internal/dockerengine"
)

// fakeEngine is a scripted dockerengine.Engine spy: the caller preloads the
// log stream and inspect result a container will produce, then asserts on
// the calls recorded after Run returns.
type fakeEngine struct {
	logStream  string
	state      dockerengine.ContainerState
	createdID  string
	started    bool
	removed    []string
	createErr  error
	streamDelay time.Duration
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{createdID: "fake-id"}
}

func (f *fakeEngine) ListImageTags(ctx context.Context, repository string) ([]string, error) {
	return nil, nil
}

func (f *fakeEngine) RemoveImage(ctx context.Context, ref string, force bool) error { return nil }

func (f *fakeEngine) BuildImage(ctx context.Context, tarStream io.Reader, dockerfile, tag string) (io.ReadCloser, error) {
	return nil, nil
}

func (f *fakeEngine) TagImage(ctx context.Context, source, targetTag string) error { return nil }

func (f *fakeEngine) CreateContainer(ctx context.Context, name string, spec dockerengine.ContainerSpec) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.createdID, nil
}

func (f *fakeEngine) StartContainer(ctx context.Context, id string) error {
	f.started = true
	return nil
}

func (f *fakeEngine) StreamLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	if f.streamDelay > 0 {
		return &delayedReader{r: strings.NewReader(f.logStream), delay: f.streamDelay}, nil
	}
	return io.NopCloser(strings.NewReader(f.logStream)), nil
}

func (f *fakeEngine) InspectContainer(ctx context.Context, id string) (dockerengine.ContainerState, error) {
	return f.state, nil
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, id string, force bool) error {
	f.removed = append(f.removed, id)
	return nil
}

var _ dockerengine.Engine = (*fakeEngine)(nil)

// delayedReader blocks for delay before yielding any bytes, simulating a
// container that outlives the request deadline.
type delayedReader struct {
	r     io.Reader
	delay time.Duration
	slept bool
}

func (d *delayedReader) Read(p []byte) (int, error) {
	if !d.slept {
		d.slept = true
		time.Sleep(d.delay)
	}
	return d.r.Read(p)
}

func (d *delayedReader) Close() error { return nil }
