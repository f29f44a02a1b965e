package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"mailsched/internal/queue"
)

// MaxDelay is the longest DelaySeconds SQS accepts. Tasks due later are
// re-deferred by the consumer until their not-before arrives.
const MaxDelay = 900 * time.Second

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Deduper remembers idempotency keys. Standard queues have no content
// deduplication, so the producer consults it before sending.
type Deduper interface {
	// Claim reports true the first time a key is seen. The key is kept at
	// least for extra beyond the ledger's own retention.
	Claim(ctx context.Context, key string, extra time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Producer implements queue.Enqueuer on a standard SQS queue.
type Producer struct {
	SQS      API
	QueueURL string
	Dedup    Deduper

	Now func() time.Time
}

func (p *Producer) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Producer) Enqueue(ctx context.Context, t queue.Task) (queue.Handle, error) {
	if p.Dedup != nil {
		fresh, err := p.Dedup.Claim(ctx, t.IdempotencyKey, max(0, t.NotBefore.Sub(p.now())))
		if err != nil {
			return queue.Handle{}, fmt.Errorf("sqs dedup %s: %w", t.IdempotencyKey, err)
		}
		if !fresh {
			return queue.Handle{ID: t.IdempotencyKey, Duplicate: true}, nil
		}
	}

	id, err := p.send(ctx, t)
	if err != nil {
		if p.Dedup != nil {
			// let a later retry through
			_ = p.Dedup.Release(ctx, t.IdempotencyKey)
		}
		return queue.Handle{}, err
	}
	return queue.Handle{ID: id}, nil
}

func (p *Producer) send(ctx context.Context, t queue.Task) (string, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	out, err := p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(p.QueueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delaySeconds(t.NotBefore.Sub(p.now())),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"IdempotencyKey": {DataType: aws.String("String"), StringValue: aws.String(t.IdempotencyKey)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("sqs send %s: %w", t.IdempotencyKey, err)
	}
	return aws.ToString(out.MessageId), nil
}

func delaySeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	if d >= MaxDelay {
		return int32(MaxDelay / time.Second)
	}
	return int32(math.Ceil(d.Seconds()))
}
