package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"mailsched/internal/queue"
)

// maxVisibility is the SQS ceiling for ChangeMessageVisibility (12h).
const maxVisibility = 43200

type Consumer struct {
	SQS      API
	QueueURL string
	// Requeue re-sends tasks that arrive before their not-before.
	Requeue *Producer

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32

	Now func() time.Time
}

func (c *Consumer) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// PollConcurrent processes messages with a worker pool. Messages are deleted
// only after handler completes.
func (c *Consumer) PollConcurrent(ctx context.Context, workers int, handler queue.Handler) error {
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan types.Message, workers*2)
	errCh := make(chan error, 1)

	sendErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				c.handle(ctx, m, handler)
			}
		}()
	}

	// Producer: fetch messages and enqueue for workers
	go func() {
		defer close(jobs)

		for {
			if ctx.Err() != nil {
				sendErr(ctx.Err())
				return
			}

			out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:              aws.String(c.QueueURL),
				MaxNumberOfMessages:   c.MaxMessages,
				WaitTimeSeconds:       c.WaitTimeSeconds,
				VisibilityTimeout:     c.VisibilityTimeout,
				MessageAttributeNames: []string{"All"},
			})
			if err != nil {
				if ctx.Err() != nil {
					sendErr(ctx.Err())
					return
				}
				slog.Error("sqs receive message failed", "err", err)
				time.Sleep(500 * time.Millisecond)
				continue
			}

			for _, m := range out.Messages {
				select {
				case jobs <- m:
				case <-ctx.Done():
					sendErr(ctx.Err())
					return
				}
			}
		}
	}()

	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

func (c *Consumer) handle(ctx context.Context, m types.Message, handler queue.Handler) {
	// Always handle poison / invalid messages so they don't loop forever
	var t queue.Task
	if m.Body == nil || json.Unmarshal([]byte(*m.Body), &t) != nil || t.DispatchID == "" {
		slog.Error("sqs dropping undecodable message", "message_id", aws.ToString(m.MessageId))
		c.delete(ctx, m)
		return
	}

	if wait := t.NotBefore.Sub(c.now()); wait > time.Second && c.Requeue != nil {
		// still too early: send a fresh copy with the next capped delay
		if _, err := c.Requeue.send(ctx, t); err != nil {
			slog.Error("sqs re-defer failed", "dispatch_id", t.DispatchID, "err", err)
			return
		}
		c.delete(ctx, m)
		return
	}

	err := handler(ctx, t)
	if err == nil {
		c.delete(ctx, m)
		return
	}

	if after, ok := queue.AsRetry(err); ok {
		secs := int32(after / time.Second)
		if secs > maxVisibility {
			secs = maxVisibility
		}
		_, verr := c.SQS.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(c.QueueURL),
			ReceiptHandle:     m.ReceiptHandle,
			VisibilityTimeout: secs,
		})
		if verr != nil {
			slog.Error("sqs change visibility failed", "dispatch_id", t.DispatchID, "err", verr)
		}
		return
	}
	// If err != nil: do NOT delete => SQS redrive/DLQ handles it
	slog.Error("sqs handler error", "dispatch_id", t.DispatchID, "err", err)
}

func (c *Consumer) delete(ctx context.Context, m types.Message) {
	_, err := c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.QueueURL),
		ReceiptHandle: m.ReceiptHandle,
	})
	if err != nil {
		slog.Error("sqs delete message failed", "message_id", aws.ToString(m.MessageId), "err", err)
	}
}
