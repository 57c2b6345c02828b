package engine

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/curious-containers/ccserver/internal/ccerrors"
	"github.com/curious-containers/ccserver/internal/docker"
)

// fakeClient is a hand-written fake of docker.API, in the teacher's
// mock_test.go style (narrow interfaces, no mocking framework).
type fakeClient struct {
	mu          sync.Mutex
	inFlight    int
	maxInFlight int
	pullErr     error
	delay       time.Duration
}

func (f *fakeClient) track() func() {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}
}

func (f *fakeClient) Pull(ctx context.Context, image, auth string) error {
	defer f.track()()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.pullErr
}
func (f *fakeClient) Create(ctx context.Context, name, image string, command []string, memLimit, memswapLimit int64, securityOpt []string) (string, error) {
	return "id-" + name, nil
}
func (f *fakeClient) Start(ctx context.Context, name string) error { return nil }
func (f *fakeClient) Wait(ctx context.Context, name string) (int, error) {
	return 0, nil
}
func (f *fakeClient) Logs(ctx context.Context, name string) (string, error) { return "", nil }
func (f *fakeClient) Remove(ctx context.Context, name string) error         { return nil }
func (f *fakeClient) Inspect(ctx context.Context, name string) (string, error) {
	return "10.0.0.5", nil
}
func (f *fakeClient) ConnectToNetwork(ctx context.Context, name, network string) error { return nil }
func (f *fakeClient) ListContainers(ctx context.Context) (map[string]docker.ContainerStatus, error) {
	return map[string]docker.ContainerStatus{}, nil
}
func (f *fakeClient) Close() error { return nil }

var _ docker.API = (*fakeClient)(nil)

func TestAdapterBoundsConcurrency(t *testing.T) {
	client := &fakeClient{delay: 20 * time.Millisecond}
	a := NewAdapter(2, time.Second)

	var wg sync.WaitGroup
	var calls int32
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Pull(context.Background(), client, "img", ""); err != nil {
				t.Errorf("Pull: %v", err)
			}
			atomic.AddInt32(&calls, 1)
		}()
	}
	wg.Wait()

	if calls != 6 {
		t.Fatalf("calls = %d, want 6", calls)
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.maxInFlight > 2 {
		t.Errorf("maxInFlight = %d, want <= 2 (thread_limit)", client.maxInFlight)
	}
}

func TestAdapterPullWrapsFatalError(t *testing.T) {
	client := &fakeClient{pullErr: errors.New("manifest unknown: error pulling image")}
	a := NewAdapter(1, time.Second)

	err := a.Pull(context.Background(), client, "img", "")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ccerrors.ErrEngineFatal) {
		t.Errorf("error = %v, want wrapped ErrEngineFatal", err)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassifyTransientError(t *testing.T) {
	wrapped := classify(timeoutErr{})
	if !errors.Is(wrapped, ccerrors.ErrEngineTransient) {
		t.Errorf("classify(net timeout) = %v, want wrapped ErrEngineTransient", wrapped)
	}

	wrapped = classify(context.DeadlineExceeded)
	if !errors.Is(wrapped, ccerrors.ErrEngineTransient) {
		t.Errorf("classify(DeadlineExceeded) = %v, want wrapped ErrEngineTransient", wrapped)
	}

	plain := errors.New("boom")
	if classify(plain) != plain {
		t.Errorf("classify(plain) should pass through unchanged")
	}
}

func TestAdapterRemoveIdempotent(t *testing.T) {
	client := &fakeClient{}
	a := NewAdapter(1, time.Second)
	if err := a.Remove(context.Background(), client, "ac-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := a.Remove(context.Background(), client, "ac-1"); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
}
