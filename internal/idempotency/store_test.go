package idempotency

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memDynamo understands the handful of condition expressions Store issues.
type memDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

func newMemDynamo() *memDynamo {
	return &memDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func str(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	if n, ok := av.(*types.AttributeValueMemberN); ok {
		return n.Value
	}
	return ""
}

func (m *memDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := str(in.Item["idempotency_key"])
	if cur, ok := m.items[k]; ok {
		exp, _ := strconv.ParseInt(str(cur["expires_at"]), 10, 64)
		now, _ := strconv.ParseInt(str(in.ExpressionAttributeValues[":now"]), 10, 64)
		if exp >= now {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	m.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *memDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: m.items[str(in.Key["idempotency_key"])]}, nil
}

func (m *memDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[str(in.Key["idempotency_key"])]
	if !ok || str(cur["status"]) != StatusInProgress {
		return nil, &types.ConditionalCheckFailedException{}
	}
	v := in.ExpressionAttributeValues
	cur["status"] = v[":done"]
	cur["resource_id"] = v[":rid"]
	cur["response_status"] = v[":rs"]
	cur["response_body"] = v[":rb"]
	cur["updated_at"] = v[":ua"]
	return &dynamodb.UpdateItemOutput{}, nil
}

func (m *memDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := str(in.Key["idempotency_key"])
	cur, ok := m.items[k]
	if !ok || str(cur["status"]) != StatusInProgress {
		return nil, &types.ConditionalCheckFailedException{}
	}
	delete(m.items, k)
	return &dynamodb.DeleteItemOutput{}, nil
}

type failingDynamo struct{ memDynamo }

func (f *failingDynamo) PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	return nil, errors.New("throttled")
}

func newTestStore(db DynamoDBAPI) (*Store, *time.Time) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(db, "idempotency", time.Hour)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestStore_ClaimCompleteReplay(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(newMemDynamo())
	fp := Fingerprint("alice", []byte(`{"items":[1]}`))

	rec, err := s.Claim(ctx, "k1", fp)
	require.NoError(t, err)
	require.Nil(t, rec)

	_, err = s.Claim(ctx, "k1", fp)
	require.ErrorIs(t, err, ErrInFlight)

	require.NoError(t, s.Complete(ctx, "k1", "o-1", 201, []byte(`{"id":"o-1"}`)))

	rec, err = s.Claim(ctx, "k1", fp)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusDone, rec.Status)
	assert.Equal(t, "o-1", rec.ResourceID)
	assert.Equal(t, 201, rec.ResponseStatus)
	assert.Equal(t, `{"id":"o-1"}`, rec.ResponseBody)

	_, err = s.Claim(ctx, "k1", Fingerprint("alice", []byte(`{"items":[2]}`)))
	require.ErrorIs(t, err, ErrMismatch)
}

func TestStore_ReleaseAllowsRetry(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(newMemDynamo())
	fp := Fingerprint("bob", []byte("body"))

	_, err := s.Claim(ctx, "k2", fp)
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, "k2"))

	rec, err := s.Claim(ctx, "k2", fp)
	require.NoError(t, err)
	assert.Nil(t, rec)

	// Releasing a completed key is a no-op.
	require.NoError(t, s.Complete(ctx, "k2", "o-2", 201, nil))
	require.NoError(t, s.Release(ctx, "k2"))
	got, err := s.Get(ctx, "k2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusDone, got.Status)
}

func TestStore_ExpiredClaimIsReclaimable(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(newMemDynamo())

	_, err := s.Claim(ctx, "k3", "fp-a")
	require.NoError(t, err)

	*now = now.Add(2 * time.Hour)
	rec, err := s.Claim(ctx, "k3", "fp-b")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestStore_PutError(t *testing.T) {
	s, _ := newTestStore(&failingDynamo{})
	_, err := s.Claim(context.Background(), "k4", "fp")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInFlight)
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, Fingerprint("a", []byte("b")), Fingerprint("a", []byte("b")))
	assert.NotEqual(t, Fingerprint("a", []byte("b")), Fingerprint("ab", nil))
}
