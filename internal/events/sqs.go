package events

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// SQSAPI is the subset of the SQS client used here.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSPublisher sends envelopes to a queue.
type SQSPublisher struct {
	client   SQSAPI
	queueURL string
}

var _ Publisher = (*SQSPublisher)(nil)

// NewSQSPublisher returns a publisher bound to queueURL.
func NewSQSPublisher(client SQSAPI, queueURL string) *SQSPublisher {
	return &SQSPublisher{client: client, queueURL: queueURL}
}

// Publish sends env with its type and id as message attributes.
func (p *SQSPublisher) Publish(ctx context.Context, env Envelope) error {
	_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(Encode(env))),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			headerEventType: {DataType: aws.String("String"), StringValue: aws.String(string(env.Type))},
			headerEventID:   {DataType: aws.String("String"), StringValue: aws.String(env.ID)},
		},
	})
	if err != nil {
		return errors.Wrapf(err, "sqs publish %s", env.ID)
	}
	return nil
}

// SQSConsumer long-polls a queue. A message is deleted only after its
// handler succeeds; failures become visible again after the queue's
// visibility timeout.
type SQSConsumer struct {
	client   SQSAPI
	queueURL string
	batch    int32
	wait     int32
}

var _ Consumer = (*SQSConsumer)(nil)

// NewSQSConsumer returns a consumer for queueURL.
func NewSQSConsumer(client SQSAPI, queueURL string) *SQSConsumer {
	return &SQSConsumer{client: client, queueURL: queueURL, batch: 10, wait: 20}
}

// Consume blocks until ctx is done.
func (c *SQSConsumer) Consume(ctx context.Context, h Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := c.poll(ctx, h); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *SQSConsumer) poll(ctx context.Context, h Handler) error {
	lg := zctx.From(ctx)
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.batch,
		WaitTimeSeconds:     c.wait,
	})
	if err != nil {
		return errors.Wrap(err, "receive messages")
	}

	for _, m := range out.Messages {
		env, err := Decode([]byte(aws.ToString(m.Body)))
		if err != nil {
			lg.Error("Dropping undecodable message",
				zap.String("message_id", aws.ToString(m.MessageId)),
				zap.Error(err),
			)
		} else if err := h(ctx, env); err != nil {
			lg.Warn("Event handling failed, leaving for redelivery",
				zap.String("event_id", env.ID),
				zap.String("event_type", string(env.Type)),
				zap.Error(err),
			)
			continue
		}

		if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(c.queueURL),
			ReceiptHandle: m.ReceiptHandle,
		}); err != nil {
			return errors.Wrap(err, "delete message")
		}
	}
	return nil
}
