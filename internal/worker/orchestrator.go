package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/codelab-lv/sandbox/api"
	"github.com/codelab-lv/sandbox/internal/compilesvc"
	"github.com/codelab-lv/sandbox/internal/fspool"
	"github.com/codelab-lv/sandbox/internal/harness"
	"github.com/codelab-lv/sandbox/internal/jobcache"
	"github.com/codelab-lv/sandbox/internal/outparse"
	"github.com/codelab-lv/sandbox/internal/vm"
	"github.com/google/uuid"
)

// Friendly strings shown to the client; the originating detail is logged,
// never forwarded.
const (
	msgTimeout        = "Your program took too long to finish. Check for infinite loops."
	msgServiceFailure = "The execution service hit a problem. Please try again."
)

type Compiler interface {
	Compile(ctx context.Context, code, className string) ([]byte, error)
}

type Leaser interface {
	AcquireAsync(ctx context.Context, role fspool.Role) *vm.Pending
}

// Orchestrator drives one job from received to terminal: harness injection
// and compilation overlap VM-lease acquisition to hide latency, and the
// lease is released no matter which stage fails.
type Orchestrator struct {
	compiler  Compiler
	leaser    Leaser
	publisher Publisher
	cache     *jobcache.Cache
	logger    *slog.Logger
	nowNs     func() int64
}

func NewOrchestrator(compiler Compiler, leaser Leaser, publisher Publisher, cache *jobcache.Cache, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		compiler:  compiler,
		leaser:    leaser,
		publisher: publisher,
		cache:     cache,
		logger:    logger,
		nowNs:     func() int64 { return time.Now().UnixNano() },
	}
}

// vmPayload is the request written to the execute VM's request channel.
type vmPayload struct {
	ClassName  string `json:"class_name"`
	ClassBytes []byte `json:"class_bytes"`
}

// vmResponse is the guest agent's reply: runtime accounting plus the
// combined stdout of the user program and the injected harness.
type vmResponse struct {
	ExitCode     int    `json:"exit_code"`
	PeakMemoryKb int64  `json:"peak_memory_kb"`
	Stdout       string `json:"stdout"`
	Stderr       string `json:"stderr"`
}

// Handle processes one job-request delivery.
func (o *Orchestrator) Handle(ctx context.Context, body []byte) Verdict {
	var req api.JobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		o.logger.Error("dropping malformed job request", "error", err)
		return Drop
	}
	if req.JobId == "" {
		o.logger.Error("dropping job request without job id")
		return Drop
	}
	if req.SigningKey == "" {
		req.SigningKey = newSigningKey()
	}

	log := o.logger.With("job_id", req.JobId, "job_type", req.JobType)

	// Seed the correlation entry the result consumer will look up.
	o.cache.Put(jobcache.Entry{
		JobId:     req.JobId,
		JobType:   req.JobType,
		UserId:    req.UserId,
		ProblemId: req.ProblemId,
		Code:      req.Code,
	})

	o.publish(ctx, req.JobId, api.StatusCompiling, "", "")

	// Lease acquisition begins before compilation finishes; if any stage
	// below fails the pending acquisition is abandoned, which still
	// releases the lease once it resolves.
	pending := o.leaser.AcquireAsync(ctx, fspool.RoleExecute)

	injected, err := harness.Inject(harness.Input{
		Code:       req.Code,
		ClassName:  req.ClassName,
		MainStart:  req.MainStart,
		MainEnd:    req.MainEnd,
		SigningKey: req.SigningKey,
		Tests:      req.Tests,
		WithTiming: req.WithTiming,
	})
	if err != nil {
		log.Error("harness injection failed", "error", err)
		pending.Abandon()
		o.publish(ctx, req.JobId, api.StatusServiceFailure, "", msgServiceFailure)
		return Ack
	}

	classBytes, err := o.compiler.Compile(ctx, injected.Code, req.ClassName)
	if err != nil {
		pending.Abandon()
		var cerr *compilesvc.CompilationError
		if errors.As(err, &cerr) {
			o.publish(ctx, req.JobId, api.StatusCompilationFailure, "", cerr.Message)
		} else {
			log.Error("compilation service failed", "error", err)
			o.publish(ctx, req.JobId, api.StatusServiceFailure, "", msgServiceFailure)
		}
		return Ack
	}

	lease, err := pending.Await(ctx)
	if err != nil {
		log.Error("vm lease acquisition failed", "error", err)
		o.publish(ctx, req.JobId, api.StatusServiceFailure, "", msgServiceFailure)
		return Ack
	}
	defer lease.Release()

	o.publish(ctx, req.JobId, api.StatusExecuting, "", "")

	payload, err := json.Marshal(vmPayload{ClassName: req.ClassName, ClassBytes: classBytes})
	if err != nil {
		log.Error("failed to marshal vm payload", "error", err)
		o.publish(ctx, req.JobId, api.StatusServiceFailure, "", msgServiceFailure)
		return Ack
	}

	startNs := o.nowNs()
	raw, err := lease.Query(ctx, payload)
	endNs := o.nowNs()
	if err != nil {
		if errors.Is(err, vm.ErrQueryTimeout) {
			o.publishResult(ctx, api.ResultMessage{
				JobId:   req.JobId,
				Status:  api.StatusTimeout,
				Err:     msgTimeout,
				StartNs: startNs,
				EndNs:   endNs,
			})
			return Ack
		}
		log.Error("vm query failed", "vm_id", lease.VmId, "error", err)
		o.publish(ctx, req.JobId, api.StatusServiceFailure, "", msgServiceFailure)
		return Ack
	}

	var resp vmResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		log.Error("unparseable vm response", "vm_id", lease.VmId, "error", err)
		o.publish(ctx, req.JobId, api.StatusServiceFailure, "", msgServiceFailure)
		return Ack
	}

	parsed, err := outparse.ParseCombined(resp.Stdout, req.SigningKey)
	if err != nil {
		// A protocol violation means the signed output is corrupted. It is
		// a service fault, never a failed test.
		log.Error("control line protocol violation", "error", err)
		o.publish(ctx, req.JobId, api.StatusServiceFailure, "", msgServiceFailure)
		return Ack
	}

	status := api.StatusCompleted
	if resp.ExitCode != 0 {
		status = api.StatusRuntimeError
	}
	o.publishResult(ctx, api.ResultMessage{
		JobId:       req.JobId,
		Status:      status,
		Out:         parsed.UserStdout,
		Err:         resp.Stderr,
		ExitCode:    resp.ExitCode,
		StartNs:     startNs,
		EndNs:       endNs,
		MaxMemoryKb: resp.PeakMemoryKb,
		ElapsedMs:   parsed.ElapsedMs,
		Tests:       parsed.TestResults,
	})
	return Ack
}

func (o *Orchestrator) publish(ctx context.Context, jobId string, status api.Status, out, errText string) {
	o.publishResult(ctx, api.ResultMessage{
		JobId:  jobId,
		Status: status,
		Out:    out,
		Err:    errText,
	})
}

func (o *Orchestrator) publishResult(ctx context.Context, msg api.ResultMessage) {
	if err := o.publisher.Publish(ctx, msg); err != nil {
		o.logger.Error("failed to publish result",
			"job_id", msg.JobId, "status", msg.Status, "error", err)
	}
}

// newSigningKey returns an unpredictable per-job marker for injected
// output lines.
func newSigningKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
