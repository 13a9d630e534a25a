package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrors_MatchSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"encoding", &EncodingError{Type: "func()"}, ErrEncoding},
		{"decoding", &DecodingError{Reason: "unexpected EOF"}, ErrDecoding},
		{"service timeout", &ServiceTimeoutError{Service: "greet_me", Timeout: time.Second}, ErrServiceTimeout},
		{"remote service", &RemoteServiceError{Service: "greet_me", Message: "boom"}, ErrRemoteService},
		{"parameter not found", &ParameterNotFoundError{Node: "coop", Path: "chickens"}, ErrParameterNotFound},
		{"transport", &TransportError{Op: "publish", Err: ErrConnectionLost}, ErrTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.sentinel)
			assert.ErrorIs(t, fmt.Errorf("outer: %w", tt.err), tt.sentinel)
			assert.NotEmpty(t, tt.err.Error())
		})
	}
}

func TestServiceTimeoutError_Cause(t *testing.T) {
	err := &ServiceTimeoutError{Service: "greet_me", Err: ErrShuttingDown}

	assert.ErrorIs(t, err, ErrServiceTimeout)
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.Contains(t, err.Error(), "abandoned")

	plain := &ServiceTimeoutError{Service: "greet_me", Timeout: 2 * time.Second}
	assert.Contains(t, plain.Error(), "2s")
}

func TestEncodingError_Message(t *testing.T) {
	err := &EncodingError{Path: "args[1]", Type: "chan int", Reason: "channels carry no data"}
	assert.Equal(t, "encode args[1]: unsupported chan int: channels carry no data", err.Error())

	root := &EncodingError{Type: "struct"}
	assert.Equal(t, "encode value: unsupported struct", root.Error())
}

func TestDecodingError_Unwrap(t *testing.T) {
	base := errors.New("invalid character")
	err := &DecodingError{Channel: "chatter", Reason: "malformed JSON", Err: base}

	assert.ErrorIs(t, err, base)
	assert.Equal(t, "decode chatter: malformed JSON: invalid character", err.Error())
}

func TestNewTransportError(t *testing.T) {
	assert.NoError(t, NewTransportError("publish", nil))

	err := NewTransportError("publish", ErrConnectionLost)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "publish", te.Op)
	assert.ErrorIs(t, err, ErrConnectionLost)

	// Already a transport error: returned untouched
	again := NewTransportError("subscribe", err)
	assert.Same(t, err, again)
}
