package app

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-faster/errors"

	"github.com/xenking/storefront/internal/events"
)

func loadAWS(ctx context.Context, cfg AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return aws.Config{}, errors.Wrap(err, "load aws config")
	}
	return awsCfg, nil
}

func newSQSClient(awsCfg aws.Config, cfg AWSConfig) *sqs.Client {
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
}

func newDynamoClient(awsCfg aws.Config, cfg AWSConfig) *dynamodb.Client {
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
}

// newPublisher returns the publisher for the configured transport and a
// function releasing its resources.
func newPublisher(ctx context.Context, cfg *Config) (events.Publisher, func() error, error) {
	switch cfg.Events.Transport {
	case TransportKafka:
		p := events.NewKafkaPublisher(kafkaConfig(cfg.Events.Kafka))
		return p, p.Close, nil
	case TransportSQS:
		awsCfg, err := loadAWS(ctx, cfg.AWS)
		if err != nil {
			return nil, nil, err
		}
		return events.NewSQSPublisher(newSQSClient(awsCfg, cfg.AWS), cfg.Events.SQSQueue), noClose, nil
	default:
		return events.LogPublisher{}, noClose, nil
	}
}

// newConsumer returns the consumer for the configured transport.
func newConsumer(ctx context.Context, cfg *Config) (events.Consumer, func() error, error) {
	switch cfg.Events.Transport {
	case TransportKafka:
		c := events.NewKafkaConsumer(kafkaConfig(cfg.Events.Kafka))
		return c, c.Close, nil
	case TransportSQS:
		awsCfg, err := loadAWS(ctx, cfg.AWS)
		if err != nil {
			return nil, nil, err
		}
		return events.NewSQSConsumer(newSQSClient(awsCfg, cfg.AWS), cfg.Events.SQSQueue), noClose, nil
	default:
		return nil, nil, errors.Errorf("transport %q cannot be consumed", cfg.Events.Transport)
	}
}

func kafkaConfig(cfg KafkaConfig) events.KafkaConfig {
	return events.KafkaConfig{Brokers: cfg.Brokers, Topic: cfg.Topic, GroupID: cfg.Group}
}

func noClose() error { return nil }
