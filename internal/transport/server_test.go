package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerServesAndDrains(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv, err := NewServer(
		WithListener(ln),
		WithMount(func(mux *http.ServeMux) error {
			mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("pong"))
			})
			return nil
		}),
	)
	require.NoError(t, err)
	require.NotZero(t, srv.Port())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, srv) }()

	url := fmt.Sprintf("http://%s/ping", srv.Addr())
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not shut down")
	}
}

func TestNewServerMountErrors(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = NewServer(
		WithListener(ln),
		WithMount(func(*http.ServeMux) error { return fmt.Errorf("boom") }),
	)
	require.Error(t, err)
}

type failingListener struct{ started chan struct{} }

func (f *failingListener) Start(context.Context) error {
	close(f.started)
	return fmt.Errorf("listener exploded")
}

func (f *failingListener) Stop(context.Context) error { return nil }

type blockingListener struct{ stopped chan struct{} }

func (b *blockingListener) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (b *blockingListener) Stop(context.Context) error {
	close(b.stopped)
	return nil
}

// One listener failing takes the whole group down and still stops the
// others.
func TestServePropagatesFailure(t *testing.T) {
	t.Parallel()

	failing := &failingListener{started: make(chan struct{})}
	blocking := &blockingListener{stopped: make(chan struct{})}

	err := Serve(context.Background(), failing, blocking)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listener exploded")

	select {
	case <-blocking.stopped:
	default:
		t.Fatal("sibling listener was not stopped")
	}
}
