// Package idempotency stores Idempotency-Key claims for order creation in
// DynamoDB.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/go-faster/errors"
)

// DefaultTTL is how long a key is remembered.
const DefaultTTL = 24 * time.Hour

const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
)

var (
	// ErrInFlight is returned when another request holds the key.
	ErrInFlight = errors.New("request with this idempotency key is in progress")
	// ErrMismatch is returned when the key was used for a different payload.
	ErrMismatch = errors.New("idempotency key reused with a different request")
)

// DynamoDBAPI is the subset of the DynamoDB client used by Store.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Record is the item persisted per key.
type Record struct {
	Key            string `dynamodbav:"idempotency_key"`
	Fingerprint    string `dynamodbav:"fingerprint"`
	Status         string `dynamodbav:"status"`
	ResourceID     string `dynamodbav:"resource_id,omitempty"`
	ResponseStatus int    `dynamodbav:"response_status,omitempty"`
	ResponseBody   string `dynamodbav:"response_body,omitempty"`
	CreatedAt      string `dynamodbav:"created_at"`
	UpdatedAt      string `dynamodbav:"updated_at"`
	ExpiresAt      int64  `dynamodbav:"expires_at"`
}

// Store implements claim / complete / release on a DynamoDB table keyed by
// idempotency_key with TTL attribute expires_at.
type Store struct {
	client DynamoDBAPI
	table  string
	ttl    time.Duration
	now    func() time.Time
}

// NewStore returns a Store. A non-positive ttl means DefaultTTL.
func NewStore(client DynamoDBAPI, table string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, table: table, ttl: ttl, now: time.Now}
}

// Fingerprint hashes the scope and body of a request.
func Fingerprint(scope string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Claim takes key for the request identified by fingerprint. It returns
// (nil, nil) when the caller now owns the key, the completed record when
// the request already finished, ErrInFlight while another attempt runs and
// ErrMismatch when the key belongs to another request. Expired items are
// reclaimable even before DynamoDB removes them.
func (s *Store) Claim(ctx context.Context, key, fingerprint string) (*Record, error) {
	now := s.now().UTC()
	rec := Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusInProgress,
		CreatedAt:   now.Format(time.RFC3339),
		UpdatedAt:   now.Format(time.RFC3339),
		ExpiresAt:   now.Add(s.ttl).Unix(),
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return nil, errors.Wrap(err, "marshal record")
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(idempotency_key) OR expires_at < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err == nil {
		return nil, nil
	}
	if !conditionFailed(err) {
		return nil, errors.Wrap(err, "put claim")
	}

	existing, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		// Released between our put and get.
		return nil, ErrInFlight
	}
	if existing.Fingerprint != fingerprint {
		return nil, ErrMismatch
	}
	if existing.Status == StatusDone {
		return existing, nil
	}
	return nil, ErrInFlight
}

// Get returns the record for key, or nil when absent.
func (s *Store) Get(ctx context.Context, key string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            keyAttr(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, errors.Wrap(err, "get record")
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, errors.Wrap(err, "unmarshal record")
	}
	return &rec, nil
}

// Complete stores the response of a claimed request so retries replay it.
func (s *Store) Complete(ctx context.Context, key, resourceID string, status int, body []byte) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 keyAttr(key),
		UpdateExpression:    aws.String("SET #s = :done, resource_id = :rid, response_status = :rs, response_body = :rb, updated_at = :ua"),
		ConditionExpression: aws.String("#s = :progress"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":done":     &types.AttributeValueMemberS{Value: StatusDone},
			":progress": &types.AttributeValueMemberS{Value: StatusInProgress},
			":rid":      &types.AttributeValueMemberS{Value: resourceID},
			":rs":       &types.AttributeValueMemberN{Value: strconv.Itoa(status)},
			":rb":       &types.AttributeValueMemberS{Value: string(body)},
			":ua":       &types.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		return errors.Wrap(err, "complete record")
	}
	return nil
}

// Release drops an in-progress claim after a failed attempt.
func (s *Store) Release(ctx context.Context, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.table),
		Key:                 keyAttr(key),
		ConditionExpression: aws.String("#s = :progress"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":progress": &types.AttributeValueMemberS{Value: StatusInProgress},
		},
	})
	if err != nil && !conditionFailed(err) {
		return errors.Wrap(err, "release record")
	}
	return nil
}

func keyAttr(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"idempotency_key": &types.AttributeValueMemberS{Value: key},
	}
}

func conditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}
