package errors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels matched by the domain error types through errors.Is.
var (
	ErrEncoding          = errors.New("encoding error")
	ErrDecoding          = errors.New("decoding error")
	ErrServiceTimeout    = errors.New("service timeout")
	ErrRemoteService     = errors.New("remote service error")
	ErrParameterNotFound = errors.New("parameter not found")
	ErrTransport         = errors.New("transport error")
)

// EncodingError reports a value that falls outside the codec's supported kinds.
type EncodingError struct {
	// Path locates the offending value inside the encoded value; empty for the root.
	Path   string
	Type   string
	Reason string
}

func (e *EncodingError) Error() string {
	where := e.Path
	if where == "" {
		where = "value"
	}
	if e.Reason != "" {
		return fmt.Sprintf("encode %s: unsupported %s: %s", where, e.Type, e.Reason)
	}
	return fmt.Sprintf("encode %s: unsupported %s", where, e.Type)
}

// Is matches ErrEncoding.
func (e *EncodingError) Is(target error) bool { return target == ErrEncoding }

// ErrorClass marks encoding failures as invalid input.
func (e *EncodingError) ErrorClass() ErrorClass { return ErrorInvalid }

// DecodingError reports a wire payload that is not a valid codec document.
type DecodingError struct {
	// Channel is the topic or service channel the payload arrived on, when known.
	Channel string
	Reason  string
	Err     error
}

func (e *DecodingError) Error() string {
	msg := "decode"
	if e.Channel != "" {
		msg += " " + e.Channel
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodingError) Unwrap() error { return e.Err }

// Is matches ErrDecoding.
func (e *DecodingError) Is(target error) bool { return target == ErrDecoding }

// ErrorClass marks decoding failures as invalid input.
func (e *DecodingError) ErrorClass() ErrorClass { return ErrorInvalid }

// ServiceTimeoutError is returned when a call gets no matching response in time,
// or when the caller is released because the node is shutting down.
type ServiceTimeoutError struct {
	Service string
	Timeout time.Duration
	// Err is the reason the wait ended early (for example ErrShuttingDown), or nil.
	Err error
}

func (e *ServiceTimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("service %q: call abandoned: %v", e.Service, e.Err)
	}
	return fmt.Sprintf("service %q: no response within %s", e.Service, e.Timeout)
}

func (e *ServiceTimeoutError) Unwrap() error { return e.Err }

// Is matches ErrServiceTimeout.
func (e *ServiceTimeoutError) Is(target error) bool { return target == ErrServiceTimeout }

// ErrorClass marks timeouts as transient; the caller decides whether to retry.
func (e *ServiceTimeoutError) ErrorClass() ErrorClass { return ErrorTransient }

// RemoteServiceError carries the error description reported by a service handler.
type RemoteServiceError struct {
	Service string
	Message string
}

func (e *RemoteServiceError) Error() string {
	return fmt.Sprintf("service %q failed: %s", e.Service, e.Message)
}

// Is matches ErrRemoteService.
func (e *RemoteServiceError) Is(target error) bool { return target == ErrRemoteService }

// ErrorClass marks remote failures as invalid; retrying the same call repeats the failure.
func (e *RemoteServiceError) ErrorClass() ErrorClass { return ErrorInvalid }

// ParameterNotFoundError reports a parameter path with no stored value.
type ParameterNotFoundError struct {
	Node string
	Path string
}

func (e *ParameterNotFoundError) Error() string {
	return fmt.Sprintf("parameter %q not found on node %q", e.Path, e.Node)
}

// Is matches ErrParameterNotFound.
func (e *ParameterNotFoundError) Is(target error) bool { return target == ErrParameterNotFound }

// ErrorClass marks missing parameters as invalid lookups.
func (e *ParameterNotFoundError) ErrorClass() ErrorClass { return ErrorInvalid }

// TransportError reports a broker failure. Fatal is set once reconnection
// has been given up.
type TransportError struct {
	Op    string
	Err   error
	Fatal bool
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "transport " + e.Op + " failed"
	}
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is matches ErrTransport.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ErrorClass is fatal after reconnects are exhausted, transient otherwise.
func (e *TransportError) ErrorClass() ErrorClass {
	if e.Fatal {
		return ErrorFatal
	}
	return ErrorTransient
}

// NewTransportError wraps err as a transient TransportError for operation op.
// A nil err yields nil.
func NewTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}
