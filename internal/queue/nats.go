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

// NATSRunner publishes build jobs to a JetStream work-queue stream.
// Workers consume them with a durable consumer, so jobs survive process
// restarts.
type NATSRunner struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	stream  string
	subject string
}

// NewNATSRunner connects to NATS and ensures the work-queue stream
// exists.
func NewNATSRunner(cfg *config.QueueConfig) (*NATSRunner, error) {
	conn, err := nats.Connect(cfg.NATSURL, nats.Name("coursebuilder"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", cfg.Stream, err)
	}

	slog.Info("NATS runner initialized",
		logfields.URL(cfg.NATSURL),
		slog.String("stream", cfg.Stream),
		slog.String("subject", cfg.Subject))

	return &NATSRunner{conn: conn, js: js, stream: cfg.Stream, subject: cfg.Subject}, nil
}

func (r *NATSRunner) Submit(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	// Deduplicate on update id so a retried HTTP trigger cannot enqueue
	// the same update twice.
	_, err = r.js.Publish(ctx, r.subject, data, jetstream.WithMsgID(job.UpdateID))
	if err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	slog.Debug("Enqueued build job",
		logfields.Course(job.CourseKey),
		logfields.UpdateID(job.UpdateID))
	return nil
}

// QueueDepth reports how many jobs are waiting on the stream.
func (r *NATSRunner) QueueDepth(ctx context.Context) (int, error) {
	s, err := r.js.Stream(ctx, r.stream)
	if err != nil {
		return 0, err
	}
	info, err := s.Info(ctx)
	if err != nil {
		return 0, err
	}
	return int(info.State.Msgs), nil
}

func (r *NATSRunner) Close(context.Context) error {
	r.conn.Close()
	return nil
}
