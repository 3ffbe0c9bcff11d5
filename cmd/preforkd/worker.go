package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/axondata/go-prefork"
)

// runWorker is the whole life of a worker process. It returns the exit code
// for the cases where Finish could not run.
func runWorker() int {
	logger, err := newLogger(os.Stderr, os.Getenv("PREFORKD_LOG_FORMAT"), envOr("PREFORKD_LOG_LEVEL", "info"))
	if err != nil {
		return 2
	}

	w, err := prefork.NewWorker()
	if err != nil {
		logger.Error("preforkd: not a worker", "error", err)
		return 2
	}
	logger = logger.With("worker", w.ID(), "pid", os.Getpid())

	// Ctrl-C reaches the whole process group; the manager decides when
	// workers stop. SIGTERM ends the job loop and the summary is still
	// delivered.
	signal.Ignore(syscall.SIGINT)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	reply, err := w.Call(context.Background(), "hello", nil)
	if err != nil {
		logger.Error("preforkd: hello failed", "error", err)
		return 1
	}
	var h hello
	if err := reply.Decode(&h); err != nil {
		logger.Error("preforkd: bad hello reply", "error", err)
		return 1
	}

	var sum summary
	for sum.Jobs < h.JobsPerWorker && ctx.Err() == nil {
		reply, err := w.Call(context.Background(), "next_job", nil)
		if err != nil {
			logger.Error("preforkd: next_job failed", "error", err)
			return 1
		}
		var j job
		if err := reply.Decode(&j); err != nil {
			logger.Error("preforkd: bad job", "error", err)
			return 1
		}

		res := jobResult{ID: j.ID, Result: j.N * j.N}
		if _, err := w.Call(context.Background(), "complete_job", res); err != nil {
			var callErr *prefork.CallError
			if errors.As(err, &callErr) {
				logger.Warn("preforkd: job rejected", "job", j.ID, "error", err)
				continue
			}
			logger.Error("preforkd: complete_job failed", "error", err)
			return 1
		}
		sum.Jobs++
		sum.Sum += res.Result
	}

	logger.Debug("preforkd: worker done", "jobs", sum.Jobs, "sum", sum.Sum)
	if err := w.Finish(context.Background(), 0, sum); err != nil {
		logger.Error("preforkd: finalize failed", "error", err)
		return 1
	}
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
