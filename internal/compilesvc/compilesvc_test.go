package compilesvc_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codelab-lv/sandbox/internal/compilesvc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sidecar(t *testing.T, handler http.HandlerFunc) int {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCompile_Success(t *testing.T) {
	port := sidecar(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Code      string `json:"code"`
			ClassName string `json:"class_name"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Main", req.ClassName)
		w.Write([]byte{0xCA, 0xFE, 0xBA, 0xBE})
	})

	svc := compilesvc.New("127.0.0.1", []int{port}, 4, discard())
	bytes, err := svc.Compile(context.Background(), "class Main {}", "Main")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xCA, 0xFE, 0xBA, 0xBE}, bytes)
}

func TestCompile_CompilationFailureCarriesSidecarMessage(t *testing.T) {
	port := sidecar(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("Main.java:3: error: ';' expected"))
	})

	svc := compilesvc.New("127.0.0.1", []int{port}, 4, discard())
	_, err := svc.Compile(context.Background(), "class Main {", "Main")
	require.Error(t, err)

	var cerr *compilesvc.CompilationError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Message, "';' expected")
}

func TestCompile_UnexpectedStatusIsServiceFailure(t *testing.T) {
	port := sidecar(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	svc := compilesvc.New("127.0.0.1", []int{port}, 4, discard())
	_, err := svc.Compile(context.Background(), "class Main {}", "Main")
	require.Error(t, err)
	assert.ErrorIs(t, err, compilesvc.ErrSidecarUnavailable)

	var cerr *compilesvc.CompilationError
	assert.False(t, errors.As(err, &cerr), "a sidecar fault is not the user's fault")
}

func TestCompile_TransportErrorIsServiceFailure(t *testing.T) {
	// Nothing listens on this port.
	svc := compilesvc.New("127.0.0.1", []int{1}, 4, discard())
	_, err := svc.Compile(context.Background(), "class Main {}", "Main")
	require.Error(t, err)
	assert.ErrorIs(t, err, compilesvc.ErrSidecarUnavailable)
}

func TestCompile_ConcurrencyCappedBySlots(t *testing.T) {
	var inFlight, peak atomic.Int32
	slow := func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		w.Write([]byte{0x01})
	}
	portA := sidecar(t, slow)
	portB := sidecar(t, slow)

	svc := compilesvc.New("127.0.0.1", []int{portA, portB}, 16, discard())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Compile(context.Background(), "class Main {}", "Main")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2), "concurrency ceiling is the slot count")
}

func TestCompile_ContextCancelled(t *testing.T) {
	port := sidecar(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte{0x01})
	})

	svc := compilesvc.New("127.0.0.1", []int{port}, 4, discard())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.Compile(ctx, "class Main {}", "Main")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
