package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/timerzz/xload/resource"
	"github.com/timerzz/xload/transport/httprange"
)

type options struct {
	transport     httprange.Config
	maxLimit      int64
	mode          string
	checkpointDir string
	logFile       string
	logLevel      string
}

func main() {
	// a missing .env is fine
	_ = godotenv.Load()

	defaultTimeout := time.Second * time.Duration(15)
	var o = options{
		transport: httprange.Config{
			RetryCount: 5,
			MaxThread:  64,
			Timeout:    &defaultTimeout,
		},
	}
	home, _ := os.UserHomeDir()

	app := &cli.App{
		Name:  "xload",
		Usage: "resumable parallel downloads and uploads",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:        "r",
				Aliases:     []string{"retry"},
				Value:       5,
				Usage:       "retries of one request",
				EnvVars:     []string{"XLOAD_RETRY"},
				Destination: &o.transport.RetryCount,
			},
			&cli.IntFlag{
				Name:        "attempts",
				Value:       5,
				Usage:       "attempts of one part before the transfer fails",
				EnvVars:     []string{"XLOAD_ATTEMPTS"},
				Destination: &o.transport.MaxAttempts,
			},
			&cli.IntFlag{
				Name:    "t",
				Value:   15,
				Aliases: []string{"timeout"},
				Usage:   "request timeout in seconds",
				EnvVars: []string{"XLOAD_TIMEOUT"},
				Action: func(context *cli.Context, i int) error {
					timeout := time.Second * time.Duration(i)
					o.transport.Timeout = &timeout
					return nil
				},
			},
			&cli.StringFlag{
				Name:        "proxy",
				Usage:       "proxy to use, like http://localhost:3000",
				EnvVars:     []string{"XLOAD_PROXY"},
				Destination: &o.transport.Proxy,
			},
			&cli.IntFlag{
				Name:        "thread",
				Value:       64,
				Usage:       "max concurrent requests",
				EnvVars:     []string{"XLOAD_THREAD"},
				Destination: &o.transport.MaxThread,
			},
			&cli.BoolFlag{
				Name:        "delay",
				Usage:       "pace the first requests of every transfer",
				EnvVars:     []string{"XLOAD_DELAY"},
				Destination: &o.transport.NeedDelay,
			},
			&cli.Int64Flag{
				Name:        "max-limit",
				Value:       resource.DefaultMaxLimit,
				Usage:       "bytes in flight over all transfers",
				EnvVars:     []string{"XLOAD_MAX_LIMIT"},
				Destination: &o.maxLimit,
			},
			&cli.StringFlag{
				Name:        "mode",
				Value:       resource.ModeGreedy.String(),
				Usage:       "how the budget is shared: greedy or baseline",
				EnvVars:     []string{"XLOAD_MODE"},
				Destination: &o.mode,
			},
			&cli.StringFlag{
				Name:        "checkpoint-dir",
				Value:       home + "/.xload",
				Usage:       "where interrupted transfers are remembered",
				EnvVars:     []string{"XLOAD_CHECKPOINT_DIR"},
				Destination: &o.checkpointDir,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "also write logs to this file",
				EnvVars:     []string{"XLOAD_LOG_FILE"},
				Destination: &o.logFile,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Value:       "info",
				EnvVars:     []string{"XLOAD_LOG_LEVEL"},
				Destination: &o.logLevel,
			},
		},
		Before: func(*cli.Context) error {
			return setupLog(o.logFile, o.logLevel)
		},
		Commands: []*cli.Command{
			downloadCommand(&o),
			uploadCommand(&o),
			hlsCommand(&o),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		logrus.Fatal(err)
	}
}
