package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/codelab-lv/sandbox/internal/compilesvc"
	"github.com/codelab-lv/sandbox/internal/config"
	"github.com/codelab-lv/sandbox/internal/fspool"
	"github.com/codelab-lv/sandbox/internal/jobcache"
	"github.com/codelab-lv/sandbox/internal/push"
	"github.com/codelab-lv/sandbox/internal/results"
	"github.com/codelab-lv/sandbox/internal/vm"
	"github.com/codelab-lv/sandbox/internal/worker"
	"github.com/lmittmann/tint"
	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func main() {
	cmd := &cli.Command{
		Name:  "sandbox",
		Usage: "sandboxed code execution worker",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to TOML config file",
			},
			&cli.StringFlag{
				Name:  "vmctl",
				Usage: "microVM control binary",
				Value: "vmctl",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	level := slog.LevelInfo
	if cmd.Bool("debug") {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	slog.SetDefault(logger)

	env, err := config.ReadEnvConfig()
	if err != nil {
		return err
	}
	cfg, err := config.ReadFileConfig(cmd.String("config"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(env.AWSRegion))
	if err != nil {
		return fmt.Errorf("failed to load aws config: %w", err)
	}

	conn, err := amqp.Dial(env.AMQPConnString)
	if err != nil {
		return fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	defer conn.Close()

	nc, err := nats.Connect(env.NatsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}
	defer nc.Close()

	builder, err := fspool.NewImageBuilder(
		s3.NewFromConfig(awsCfg),
		map[fspool.Role]string{
			fspool.RoleCompile: cfg.Pool.CompileImageURL,
			fspool.RoleExecute: cfg.Pool.ExecuteImageURL,
		},
		cfg.Pool.BaseImageCacheDir,
		cfg.Pool.SnapshotDir,
	)
	if err != nil {
		return err
	}

	pool := fspool.New(builder, map[fspool.Role]fspool.Limits{
		fspool.RoleCompile: {Min: cfg.Compile.PoolMin, Max: cfg.Compile.PoolMax},
		fspool.RoleExecute: {Min: cfg.Execute.PoolMin, Max: cfg.Execute.PoolMax},
	}, time.Duration(cfg.Pool.WindowMinutes)*time.Minute, logger)

	prov := vm.NewExecProvisioner(cmd.String("vmctl"), builder.SnapshotPath)
	leases := vm.NewManager(pool, builder, prov,
		map[fspool.Role]vm.Resources{
			fspool.RoleCompile: {VCpus: cfg.Compile.VCpus, MemoryMiB: cfg.Compile.MemoryMiB},
			fspool.RoleExecute: {VCpus: cfg.Execute.VCpus, MemoryMiB: cfg.Execute.MemoryMiB},
		},
		map[fspool.Role]time.Duration{
			fspool.RoleCompile: time.Duration(cfg.Compile.QueryTimeoutMs) * time.Millisecond,
			fspool.RoleExecute: time.Duration(cfg.Execute.QueryTimeoutMs) * time.Millisecond,
		},
		logger)

	compiler := compilesvc.New(env.SidecarHost, env.SidecarPorts, 64, logger)

	cache := jobcache.New(cfg.JobTTL())
	pushChannel := push.New(nc, cache)

	pubCh, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open publish channel: %w", err)
	}
	publisher, err := worker.NewAmqpPublisher(pubCh, cfg.Queues.ResultsQueue)
	if err != nil {
		return err
	}

	orch := worker.NewOrchestrator(compiler, leases, publisher, cache, logger)

	var stats results.StatsRecorder = noopStats{logger: logger}
	if env.StatsQueueURL != "" {
		stats = results.NewSqsStatsRecorder(sqs.NewFromConfig(awsCfg), env.StatsQueueURL)
	}
	consumer := results.NewConsumer(cache, pushChannel,
		noopProblems{}, stats, noopRewards{logger: logger},
		noopSubmissions{logger: logger}, noopAutosaves{logger: logger}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pool.Run(gctx, time.Duration(cfg.Pool.ReplenishSeconds)*time.Second)
		return nil
	})
	g.Go(func() error {
		cache.Run(gctx, 30*time.Second)
		return nil
	})
	for _, queue := range []string{cfg.Queues.ExecuteQueue, cfg.Queues.ValidateQueue} {
		g.Go(func() error {
			ch, err := conn.Channel()
			if err != nil {
				return fmt.Errorf("failed to open channel for %s: %w", queue, err)
			}
			return worker.Run(gctx, ch, queue, cfg.Queues.Prefetch, orch.Handle, logger)
		})
	}
	g.Go(func() error {
		ch, err := conn.Channel()
		if err != nil {
			return fmt.Errorf("failed to open channel for results: %w", err)
		}
		return worker.Run(gctx, ch, cfg.Queues.ResultsQueue, cfg.Queues.Prefetch, consumer.Handle, logger)
	})

	logger.Info("sandbox worker started")
	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("sandbox worker stopped")
		return nil
	}
	return err
}
