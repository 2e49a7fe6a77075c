package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	config "github.com/drivefast/mmsgw"
	"github.com/drivefast/mmsgw/internal/adapters/queue/rabbitmq"
	"github.com/drivefast/mmsgw/internal/ports"
)

// The callback worker drains the shared callback queue, posting status events
// and received-message documents to the application URLs. Failed posts are
// retried on a shrinking budget, then dropped.
func main() {
	cfg := config.FromEnv()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "callback-worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue, err := rabbitmq.New(cfg.AMQPURL, log)
	if err != nil {
		log.Error("queue unavailable", "err", err)
		os.Exit(1)
	}
	defer queue.Close()

	w := &worker{
		queue: queue,
		httpc: &http.Client{Timeout: 10 * time.Second},
		log:   log,
	}

	log.Info("callback worker started")
	if err := queue.Consume(ctx, w.handle, ports.QCB); err != nil {
		log.Error("consumer stopped", "err", err)
		os.Exit(1)
	}
	log.Info("callback worker stopped")
}

type worker struct {
	queue ports.JobQueue
	httpc *http.Client
	log   *slog.Logger
}

func (w *worker) handle(ctx context.Context, job ports.Job) error {
	if job.Fn != ports.FnCallback || len(job.Args) < 2 {
		w.log.Warn("malformed callback job dropped", "job_id", job.ID, "fn", job.Fn)
		return nil
	}
	url, doc := job.Args[0], job.Args[1]

	if err := w.post(ctx, url, doc); err != nil {
		w.log.Warn("callback delivery failed", "job_id", job.ID, "url", url,
			"retries_left", job.Retries, "err", err)
		job.Retries--
		if job.Retries < 0 {
			w.log.Error("callback abandoned", "job_id", job.ID, "url", url)
			return nil
		}
		if err := w.queue.Enqueue(ctx, ports.QCB, job); err != nil {
			w.log.Error("callback reschedule failed", "job_id", job.ID, "err", err)
		}
		return nil
	}
	w.log.Info("callback delivered", "job_id", job.ID, "url", url)
	return nil
}

func (w *worker) post(ctx context.Context, url, doc string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(doc))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("application answered %d", resp.StatusCode)
	}
	return nil
}
