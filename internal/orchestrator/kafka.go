package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// StartKafkaConsumer runs the Kafka command-intake path: it reads
// CommandEnvelope messages from commandsTopic, dispatches them through
// HandleCommandMessage on a fixed worker pool, retries transient failures
// with backoff, and always commits once a message has either succeeded or
// been DLQ'd. This is the alternate task-submission entry point described
// in SPEC_FULL.md §4.6: it only relocates where a task is created from, the
// pipeline fan-out itself always runs on this node.
func StartKafkaConsumer(
	ctx context.Context,
	brokers []string,
	groupID string,
	commandsTopic string,
	producer *kafka.Writer,
	runner Runner,
	dedupe DedupeStore,
	workerCount int,
	defaultReplyTopic string,
	dedupeTTL time.Duration,
	workflowTimeout time.Duration,
) error {
	if workerCount <= 0 {
		workerCount = 4
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    commandsTopic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer func() {
		if err := reader.Close(); err != nil {
			log.Error().Err(err).Msg("error closing kafka reader")
		}
	}()

	jobs := make(chan kafka.Message, workerCount*4)

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go func(workerID int) {
			defer wg.Done()
			for msg := range jobs {
				processWithRetry(ctx, workerID, runner, dedupe, producer, msg, defaultReplyTopic, dedupeTTL, workflowTimeout)
				if err := reader.CommitMessages(ctx, msg); err != nil {
					log.Error().Int("worker", workerID).Str("topic", msg.Topic).Int("partition", msg.Partition).Int64("offset", msg.Offset).Err(err).Msg("commit failed")
				}
			}
		}(i)
	}

	go func() {
		defer close(jobs)
		for {
			if ctx.Err() != nil {
				return
			}
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				log.Warn().Err(err).Msg("kafka fetch error, retrying shortly")
				t := time.NewTimer(500 * time.Millisecond)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
					return
				}
				continue
			}
			select {
			case jobs <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	return ctx.Err()
}

func processWithRetry(
	ctx context.Context,
	workerID int,
	runner Runner,
	dedupe DedupeStore,
	producer Producer,
	msg kafka.Message,
	defaultReplyTopic string,
	dedupeTTL time.Duration,
	workflowTimeout time.Duration,
) {
	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := HandleCommandMessage(ctx, runner, dedupe, producer, msg, defaultReplyTopic, dedupeTTL, workflowTimeout)
		if err == nil {
			return
		}
		lastErr = err
		if attempt == maxAttempts || ctx.Err() != nil {
			break
		}
		backoff := time.Duration(200*(1<<uint(attempt-1))) * time.Millisecond
		log.Warn().Int("worker", workerID).Int("attempt", attempt).Dur("backoff", backoff).Err(err).Msg("transient error handling command, retrying")
		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			break
		}
	}
	publishDLQAfterRetries(ctx, producer, msg, defaultReplyTopic, maxAttempts, lastErr)
}

func publishDLQAfterRetries(ctx context.Context, producer Producer, msg kafka.Message, defaultReplyTopic string, attempts int, lastErr error) {
	replyTopic := defaultReplyTopic
	corrID := string(msg.Key)
	var cmd CommandEnvelope
	if err := json.Unmarshal(msg.Value, &cmd); err == nil {
		if cmd.ReplyTopic != "" {
			replyTopic = cmd.ReplyTopic
		}
		if cmd.CorrelationID != "" {
			corrID = cmd.CorrelationID
		}
	}
	dlq := ResponseEnvelope{CorrelationID: corrID, Status: "error", Error: fmt.Sprintf("transient failure after %d attempts: %v", attempts, lastErr)}
	payload, _ := json.Marshal(dlq)
	dlqTopic := dlqTopicFor(replyTopic)
	if err := producer.WriteMessages(ctx, kafka.Message{Topic: dlqTopic, Key: []byte(corrID), Value: payload}); err != nil {
		log.Error().Str("correlation_id", corrID).Err(err).Msg("failed to publish DLQ after retries exhausted")
	} else {
		log.Warn().Str("correlation_id", corrID).Str("dlq_topic", dlqTopic).Msg("published DLQ after retries exhausted")
	}
}
