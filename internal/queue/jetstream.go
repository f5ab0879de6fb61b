package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"
)

const (
	streamName   = "IMPORT_TASKS"
	subjectBase  = "imports.tasks"
	consumerName = "import-workers"
	ackWait      = 30 * time.Minute
)

// Queue hands import tasks to background workers. Only the task id travels
// on the wire; the file and counters live in the spool directory and the
// database.
type Queue interface {
	Enqueue(ctx context.Context, taskID uuid.UUID) error
}

// Handler processes one dequeued task.
type Handler func(ctx context.Context, taskID uuid.UUID) error

// JetStreamQueue is a durable work queue backed by NATS JetStream. Messages
// survive service restarts and are redelivered if a worker dies mid-task.
type JetStreamQueue struct {
	conn     *nats.Conn
	js       jetstream.JetStream
	stream   jetstream.Stream
	consumer jetstream.Consumer
	logger   *logrus.Logger
	wg       sync.WaitGroup
}

// NewJetStreamQueue connects to NATS and provisions the stream and durable
// consumer. The connection retries forever in the background once
// established.
func NewJetStreamQueue(ctx context.Context, url string, logger *logrus.Logger) (*JetStreamQueue, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.WithField("component", "queue").Warn(fmt.Sprintf("NATS disconnected: %v", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("component", "queue").Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectBase + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:       consumerName,
		Durable:    consumerName,
		AckPolicy:  jetstream.AckExplicitPolicy,
		AckWait:    ackWait,
		MaxDeliver: 3,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	return &JetStreamQueue{
		conn:     conn,
		js:       js,
		stream:   stream,
		consumer: consumer,
		logger:   logger,
	}, nil
}

// Enqueue publishes a task id for background processing. Publish waits for
// the stream's ack so upload acceptance implies durable enqueue.
func (q *JetStreamQueue) Enqueue(ctx context.Context, taskID uuid.UUID) error {
	subject := fmt.Sprintf("%s.%s", subjectBase, taskID.String())
	if _, err := q.js.Publish(ctx, subject, []byte(taskID.String())); err != nil {
		return fmt.Errorf("failed to enqueue import task: %w", err)
	}
	return nil
}

// Start launches the worker pool. Each worker pulls messages, runs the
// handler, and acks on success. Handler errors trigger a delayed redelivery
// up to the consumer's MaxDeliver limit.
func (q *JetStreamQueue) Start(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}

	iter, err := q.consumer.Messages()
	if err != nil {
		return fmt.Errorf("failed to open message iterator: %w", err)
	}

	go func() {
		<-ctx.Done()
		iter.Stop()
	}()

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go func(worker int) {
			defer q.wg.Done()
			log := q.logger.WithFields(logrus.Fields{
				"component": "queue",
				"worker":    worker,
			})

			for {
				msg, err := iter.Next()
				if err != nil {
					// Iterator is stopped on shutdown.
					return
				}

				taskID, err := uuid.Parse(string(msg.Data()))
				if err != nil {
					log.Warn(fmt.Sprintf("Discarding malformed task message: %v", err))
					msg.Ack()
					continue
				}

				if err := handler(ctx, taskID); err != nil {
					log.WithField("task_id", taskID.String()).Error(fmt.Sprintf("Task handler failed: %v", err))
					msg.NakWithDelay(10 * time.Second)
					continue
				}
				msg.Ack()
			}
		}(i)
	}

	q.logger.WithFields(logrus.Fields{
		"component": "queue",
		"workers":   workers,
	}).Info("Import workers started")
	return nil
}

// Close drains the workers and closes the NATS connection.
func (q *JetStreamQueue) Close() {
	q.wg.Wait()
	q.conn.Close()
}
