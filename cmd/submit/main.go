// Command submit publishes a scenario job to the request queue and tails
// its push-channel updates. Operator tooling, not part of the pipeline.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codelab-lv/sandbox/api"
	"github.com/codelab-lv/sandbox/internal/config"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pelletier/go-toml/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/urfave/cli/v3"
)

type scenarioTest struct {
	Setup        string   `toml:"setup"`
	Calls        []string `toml:"calls"`
	CallFunc     string   `toml:"call_func"`
	Expected     string   `toml:"expected"`
	OrderMatters bool     `toml:"order_matters"`
}

type scenario struct {
	Code       string         `toml:"code"`
	ClassName  string         `toml:"class_name"`
	MainStart  int            `toml:"main_start"`
	MainEnd    int            `toml:"main_end"`
	JobType    string         `toml:"job_type"`
	UserId     string         `toml:"user_id"`
	ProblemId  string         `toml:"problem_id"`
	WithTiming bool           `toml:"with_timing"`
	Tests      []scenarioTest `toml:"tests"`
}

func main() {
	cmd := &cli.Command{
		Name:  "submit",
		Usage: "publish a scenario job and tail its status updates",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "scenario", Usage: "path to scenario TOML", Required: true},
			&cli.StringFlag{Name: "queue", Usage: "request queue", Value: "sandbox.jobs.execute"},
			&cli.DurationFlag{Name: "wait", Usage: "how long to tail updates", Value: 60 * time.Second},
		},
		Action: run,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	env, err := config.ReadEnvConfig()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(cmd.String("scenario"))
	if err != nil {
		return fmt.Errorf("failed to read scenario file: %w", err)
	}
	var sc scenario
	if err := toml.Unmarshal(data, &sc); err != nil {
		return fmt.Errorf("failed to parse scenario file: %w", err)
	}

	req := api.JobRequest{
		JobId:      uuid.NewString(),
		JobType:    api.JobType(sc.JobType),
		UserId:     sc.UserId,
		Code:       sc.Code,
		ClassName:  sc.ClassName,
		MainStart:  sc.MainStart,
		MainEnd:    sc.MainEnd,
		WithTiming: sc.WithTiming,
	}
	if req.JobType == "" {
		req.JobType = api.JobTypeDryRun
	}
	if sc.ProblemId != "" {
		req.ProblemId = &sc.ProblemId
	}
	for _, t := range sc.Tests {
		req.Tests = append(req.Tests, api.TestCase{
			Id:           uuid.NewString(),
			Setup:        t.Setup,
			Calls:        t.Calls,
			CallFunc:     t.CallFunc,
			Expected:     t.Expected,
			OrderMatters: t.OrderMatters,
		})
	}

	nc, err := nats.Connect(env.NatsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}
	defer nc.Close()

	terminal := make(chan api.Status, 1)
	sub, err := nc.Subscribe("job.status."+req.JobId, func(m *nats.Msg) {
		var event api.StatusEvent
		if err := json.Unmarshal(m.Data, &event); err != nil {
			return
		}
		printUpdate(event.Result)
		if event.Result.Status.Terminal() {
			select {
			case terminal <- event.Result.Status:
			default:
			}
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to status updates: %w", err)
	}
	defer sub.Unsubscribe()

	if err := publishJob(ctx, env.AMQPConnString, cmd.String("queue"), req); err != nil {
		return err
	}
	color.Cyan("submitted job %s", req.JobId)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case <-terminal:
	case <-time.After(cmd.Duration("wait")):
		color.Yellow("timed out waiting for a terminal status")
	case <-ctx.Done():
	}
	return nil
}

func publishJob(ctx context.Context, amqpURL, queue string, req api.JobRequest) error {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal job request: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return ch.PublishWithContext(pctx, "", queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

func printUpdate(res api.ResultMessage) {
	switch res.Status {
	case api.StatusCompleted:
		color.Green("%-22s exit=%d mem=%dKiB", res.Status, res.ExitCode, res.MaxMemoryKb)
		if res.ElapsedMs != nil {
			color.Green("  guest elapsed %dms", *res.ElapsedMs)
		}
		for _, t := range res.Tests {
			if t.Passed {
				color.Green("  test %s passed", t.TestId)
			} else {
				color.Red("  test %s failed", t.TestId)
			}
		}
		if res.Out != "" {
			fmt.Println(res.Out)
		}
	case api.StatusCompiling, api.StatusExecuting:
		color.Cyan("%s", res.Status)
	default:
		color.Red("%-22s %s", res.Status, res.Err)
	}
}
