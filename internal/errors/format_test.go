package errors

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatForUser(t *testing.T) {
	cause := errors.New("dial tcp 127.0.0.1:6333: connect: connection refused")
	err := UnavailableError("index unreachable", cause)

	tests := []struct {
		name        string
		debug       bool
		contains    []string
		notContains []string
	}{
		{
			name:        "normal mode hides cause",
			debug:       false,
			contains:    []string{"Error: index unreachable", "Suggestion:", "[ERR_304_INDEX_UNAVAILABLE]"},
			notContains: []string{"connection refused"},
		},
		{
			name:     "debug mode shows cause",
			debug:    true,
			contains: []string{"Cause: dial tcp", "connection refused"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := FormatForUser(err, tt.debug)
			for _, s := range tt.contains {
				assert.Contains(t, out, s)
			}
			for _, s := range tt.notContains {
				assert.NotContains(t, out, s)
			}
		})
	}
}

func TestFormatForUser_StandardAndNil(t *testing.T) {
	assert.Equal(t, "plain", FormatForUser(errors.New("plain"), false))
	assert.Empty(t, FormatForUser(nil, false))
}

func TestFormatJSON_BasicError(t *testing.T) {
	// Given: a malformed payload error with a detail
	err := New(ErrCodeMalformedPayload, "payload missing source_type", errors.New("cause")).
		WithDetail("chunk_id", "Legal_act_chunk1")

	// When: formatting as JSON
	data, jerr := FormatJSON(err)
	require.NoError(t, jerr)

	// Then: fields round-trip
	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, ErrCodeMalformedPayload, got["code"])
	assert.Equal(t, "VALIDATION", got["category"])
	assert.Equal(t, "cause", got["cause"])
	assert.Equal(t, "Legal_act_chunk1", got["details"].(map[string]any)["chunk_id"])
}

func TestFormatForCLI_ShortFormat(t *testing.T) {
	out := FormatForCLI(errors.New("something broke"))

	assert.Contains(t, out, "Error: something broke")
	assert.Contains(t, out, "Code: "+ErrCodeInternal)
}

func TestFormatForLog_IncludesDetails(t *testing.T) {
	fields := FormatForLog(UnknownSourceTypeError("Regional"))

	assert.Equal(t, ErrCodeUnknownSourceType, fields["error_code"])
	assert.Equal(t, "Regional", fields["detail_source_type"])
	assert.Nil(t, FormatForLog(nil))
}
