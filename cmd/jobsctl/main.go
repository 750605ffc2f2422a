// Command jobsctl triggers and inspects purchasing background jobs.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/kelseyhightower/envconfig"
)

type redisEnv struct {
	Addr     string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

const usage = `usage: jobsctl <command> [flags]

commands:
  trigger <job>   enqueue overdue-scan or idempotency-cleanup now
  stats           print queue depth
  scheduled       list scheduled tasks of the default queue
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var env redisEnv
	if err := envconfig.Process("", &env); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "jobsctl: %v\n", err)
		os.Exit(1)
	}
	cli := NewJobsCLI(asynq.RedisClientOpt{Addr: env.Addr, Password: env.Password, DB: env.DB})
	code := run(ctx, cli, os.Args[1:], os.Stdout, os.Stderr)
	if err := cli.Close(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "jobsctl: close: %v\n", err)
	}
	os.Exit(code)
}

func run(ctx context.Context, cli *JobsCLI, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
	fs := flag.NewFlagSet("jobsctl "+args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("limit", 500, "maximum purchases flagged by one overdue scan")
	asJSON := fs.Bool("json", false, "print JSON")
	size := fs.Int("size", 10, "page size for scheduled tasks")

	switch args[0] {
	case "trigger":
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if fs.NArg() != 1 {
			_, _ = fmt.Fprint(stderr, usage)
			return 2
		}
		info, err := cli.Trigger(ctx, fs.Arg(0), *limit)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "trigger: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	case "stats":
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		stats, err := cli.InspectQueues()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "stats: %v\n", err)
			return 1
		}
		if err := writeStats(stdout, stats, *asJSON); err != nil {
			_, _ = fmt.Fprintf(stderr, "stats: %v\n", err)
			return 1
		}
	case "scheduled":
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		tasks, err := cli.ListScheduled(*size)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "scheduled: %v\n", err)
			return 1
		}
		for _, t := range tasks {
			_, _ = fmt.Fprintf(stdout, "%s %s next=%s\n", t.ID, t.Type, t.NextProcessAt.UTC().Format("2006-01-02T15:04:05Z"))
		}
	default:
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
	return 0
}
