// Command migrate applies or reverts the postgres state-store schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/coachpo/pricewatch/internal/infra/persistence/migrations"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	dsn     string
	dir     string
	timeout time.Duration
	quiet   bool
	command string
	steps   int
}

func parseArgs(args []string) (options, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var opts options
	fs.StringVar(&opts.dsn, "database", os.Getenv("DATABASE_URL"), "PostgreSQL DSN (default: $DATABASE_URL)")
	fs.StringVar(&opts.dir, "path", "", "Directory containing SQL migrations (default: embedded set)")
	fs.DurationVar(&opts.timeout, "timeout", defaultTimeout, "Maximum time to wait for database connectivity")
	fs.BoolVar(&opts.quiet, "quiet", false, "Suppress informational logs")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if strings.TrimSpace(opts.dsn) == "" {
		return options{}, errors.New("-database flag or DATABASE_URL is required")
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return options{}, errors.New("command required (up|down)")
	}
	opts.command = rest[0]
	switch opts.command {
	case "up":
	case "down":
		opts.steps = 1
		if len(rest) > 1 {
			n, err := strconv.Atoi(rest[1])
			if err != nil || n <= 0 {
				return options{}, fmt.Errorf("invalid down steps %q", rest[1])
			}
			opts.steps = n
		}
	default:
		return options{}, fmt.Errorf("unknown command %q (expected up or down)", opts.command)
	}
	return opts, nil
}

func run(args []string) error {
	_ = godotenv.Load()
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}

	var logger *log.Logger
	if !opts.quiet {
		logger = log.New(os.Stdout, "pricewatch-migrate ", log.LstdFlags)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	switch opts.command {
	case "up":
		if strings.TrimSpace(opts.dir) == "" {
			return migrations.Apply(ctx, opts.dsn, logger)
		}
		return migrations.ApplyDir(ctx, opts.dsn, opts.dir, logger)
	default:
		return migrations.Rollback(ctx, opts.dsn, opts.dir, opts.steps, logger)
	}
}
