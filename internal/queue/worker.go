package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"git.home.luguber.info/inful/coursebuilder/internal/config"
	"git.home.luguber.info/inful/coursebuilder/internal/logfields"
)

// redeliveryDelay spaces out retries of a job whose handler failed
// before the pipeline could start.
const redeliveryDelay = time.Minute

// Worker consumes build jobs from the JetStream work queue and runs them
// through the handler. Multiple workers may share the durable consumer;
// the per-course lease keeps their builds from overlapping.
type Worker struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	cfg     *config.QueueConfig
	handler Handler
}

func NewWorker(cfg *config.QueueConfig, handler Handler) (*Worker, error) {
	conn, err := nats.Connect(cfg.NATSURL, nats.Name("coursebuilder-worker"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return &Worker{conn: conn, js: js, cfg: cfg, handler: handler}, nil
}

// Run consumes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	consumer, err := w.js.CreateOrUpdateConsumer(ctx, w.cfg.Stream, jetstream.ConsumerConfig{
		Durable:   w.cfg.Durable,
		AckPolicy: jetstream.AckExplicitPolicy,
		// Builds are long; keep redelivery off while a worker is alive by
		// extending the ack window well past the build timeout.
		AckWait:       time.Hour,
		MaxDeliver:    3,
		FilterSubject: w.cfg.Subject,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure consumer %s: %w", w.cfg.Durable, err)
	}

	slog.Info("Worker consuming build jobs",
		slog.String("stream", w.cfg.Stream),
		slog.String("durable", w.cfg.Durable))

	for {
		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("Fetch from work queue failed", logfields.Error(err))
			continue
		}
		for msg := range msgs.Messages() {
			w.handle(ctx, msg)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg jetstream.Msg) {
	var job Job
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		slog.Error("Dropping malformed build job", logfields.Error(err))
		_ = msg.Term()
		return
	}

	slog.Info("Worker picked up build job",
		logfields.Course(job.CourseKey),
		logfields.UpdateID(job.UpdateID))

	if err := w.handler(ctx, job); err != nil {
		// The handler records pipeline failures itself; an error here
		// means it never got to run, so let the broker redeliver. The
		// delay keeps a transient failure (lease contention, database
		// hiccup) from burning the delivery budget in milliseconds.
		slog.Error("Build job execution failed",
			logfields.Course(job.CourseKey),
			logfields.UpdateID(job.UpdateID),
			logfields.Error(err))
		_ = msg.NakWithDelay(redeliveryDelay)
		return
	}
	if err := msg.Ack(); err != nil {
		slog.Warn("Failed to ack build job", logfields.UpdateID(job.UpdateID), logfields.Error(err))
	}
}

func (w *Worker) Close() {
	w.conn.Close()
}
