package apperr

import (
	"fmt"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationError_Add(t *testing.T) {
	var v ValidationError
	require.NoError(t, v.OrNil())

	v.Add("items", "must not be empty")
	v.Add("items", "second message is dropped")
	v.Add("currency", "must be a 3-letter code")

	err := v.OrNil()
	require.Error(t, err)
	assert.Equal(t, "must not be empty", v.Fields["items"])
	assert.Equal(t, "validation failed: currency: must be a 3-letter code; items: must not be empty", err.Error())
}

func TestErrorsAs_ThroughWrap(t *testing.T) {
	base := &InsufficientInventoryError{ProductID: "p1", VariantID: "v1", Requested: 3, Available: 1}
	wrapped := fmt.Errorf("create order: %w", base)

	var target *InsufficientInventoryError
	require.ErrorAs(t, wrapped, &target)
	assert.Equal(t, "v1", target.VariantID)
	assert.Contains(t, target.Error(), "available 1")
}

func TestInsufficientInventoryError_UnknownAvailable(t *testing.T) {
	err := &InsufficientInventoryError{ProductID: "p1", VariantID: "v1", Requested: 3, Available: -1}
	assert.NotContains(t, err.Error(), "available")
}

func TestExternalServiceError_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := &ExternalServiceError{Service: "carrier", Retryable: true, Err: cause}
	assert.ErrorIs(t, err, cause)
}
