// Package compilesvc fronts the external compiler sidecars with a bounded
// pool of client slots, one per sidecar port.
package compilesvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// CompilationError is the user's fault: the sidecar rejected the source.
// The message is the sidecar's verbatim compiler output.
type CompilationError struct {
	Message string
}

func (e *CompilationError) Error() string {
	return e.Message
}

// ErrSidecarUnavailable covers transport failures and unexpected sidecar
// responses. It is a service failure, not a user error.
var ErrSidecarUnavailable = errors.New("compiler sidecar unavailable")

type compileRequest struct {
	Code      string `json:"code"`
	ClassName string `json:"class_name"`
}

type job struct {
	ctx   context.Context
	req   compileRequest
	reply chan outcome
}

type outcome struct {
	bytes []byte
	err   error
}

type Service struct {
	jobs   chan job
	httpc  *http.Client
	host   string
	logger *slog.Logger
}

// New starts one worker per sidecar port. The queue holds queueSize pending
// requests; producers block once it fills, which is the backpressure bound.
func New(host string, ports []int, queueSize int, logger *slog.Logger) *Service {
	s := &Service{
		jobs:   make(chan job, queueSize),
		httpc:  &http.Client{Timeout: 60 * time.Second},
		host:   host,
		logger: logger,
	}
	for _, port := range ports {
		go s.worker(port)
	}
	return s
}

// Compile submits one source unit and waits for class bytes. A
// *CompilationError means the code does not compile; ErrSidecarUnavailable
// means the service itself failed.
func (s *Service) Compile(ctx context.Context, code, className string) ([]byte, error) {
	j := job{
		ctx:   ctx,
		req:   compileRequest{Code: code, ClassName: className},
		reply: make(chan outcome, 1),
	}

	select {
	case s.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case out := <-j.reply:
		return out.bytes, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// worker owns one sidecar slot and drains the shared queue one request at a
// time, which caps concurrency at the number of slots.
func (s *Service) worker(port int) {
	endpoint := fmt.Sprintf("http://%s:%d/compile", s.host, port)
	for j := range s.jobs {
		if j.ctx.Err() != nil {
			j.reply <- outcome{err: j.ctx.Err()}
			continue
		}
		b, err := s.post(j.ctx, endpoint, j.req)
		j.reply <- outcome{bytes: b, err: err}
	}
}

func (s *Service) post(ctx context.Context, endpoint string, cr compileRequest) ([]byte, error) {
	body, err := json.Marshal(cr)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal request: %v", ErrSidecarUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSidecarUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		s.logger.Error("compile sidecar request failed", "endpoint", endpoint, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrSidecarUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrSidecarUnavailable, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return payload, nil
	case http.StatusBadRequest:
		return nil, &CompilationError{Message: string(payload)}
	default:
		s.logger.Error("compile sidecar returned unexpected status",
			"endpoint", endpoint, "status", resp.StatusCode)
		return nil, fmt.Errorf("%w: unexpected status %d", ErrSidecarUnavailable, resp.StatusCode)
	}
}
