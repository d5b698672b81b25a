package errs

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatJSON_BasicError(t *testing.T) {
	err := New(ErrCodeNotFound, "chunk not found", nil).WithDetail("chunk_id", "abc-123")

	data, jsonErr := FormatJSON(err)
	require.NoError(t, jsonErr)

	var decoded jsonError
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ErrCodeNotFound, decoded.Code)
	assert.Equal(t, "chunk not found", decoded.Message)
	assert.Equal(t, "abc-123", decoded.Details["chunk_id"])
}

func TestFormatJSON_WrapsStandardError(t *testing.T) {
	data, err := FormatJSON(errors.New("plain failure"))
	require.NoError(t, err)

	var decoded jsonError
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ErrCodeInternal, decoded.Code)
	assert.Equal(t, "plain failure", decoded.Cause)
}

func TestFormatJSON_NilError(t *testing.T) {
	data, err := FormatJSON(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}

func TestFormatForLog_IncludesDetailsAndCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := New(ErrCodeProviderTimeout, "embedding provider timed out", cause).
		WithDetail("provider", "ollama").
		WithSuggestion("retry with backoff")

	fields := FormatForLog(err)
	assert.Equal(t, ErrCodeProviderTimeout, fields["error_code"])
	assert.Equal(t, "dial tcp: timeout", fields["cause"])
	assert.Equal(t, "retry with backoff", fields["suggestion"])
	assert.Equal(t, "ollama", fields["detail_provider"])
	assert.Equal(t, true, fields["retryable"])
}

func TestFormatForLog_PlainErrorFallsBackToMessage(t *testing.T) {
	fields := FormatForLog(errors.New("plain failure"))
	assert.Equal(t, "plain failure", fields["error"])
}

func TestFormatForLog_NilError(t *testing.T) {
	assert.Nil(t, FormatForLog(nil))
}
