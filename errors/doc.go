// Package errors provides the error model shared by every nvbus package.
//
// # Classification
//
// Errors fall into three classes that drive handling decisions:
//
//   - Transient: broker hiccups, timeouts, lost connections (retry or wait)
//   - Invalid: bad input such as an unencodable value or a missing parameter
//   - Fatal: the node cannot continue (duplicate node name, reconnects exhausted)
//
// IsTransient, IsInvalid, IsFatal and Classify inspect the error chain. Errors
// produced by WrapTransient, WrapInvalid and WrapFatal, and every domain error
// type below, carry their class explicitly; other errors are classified from
// well-known sentinels and, as a last resort, from their message.
//
// # Wrapping
//
// Wrap follows the "component.method: action failed: %w" pattern:
//
//	if err := kv.Set(ctx, key, data); err != nil {
//	    return errors.WrapTransient(err, "Registry", "Register", "write node key")
//	}
//
// # Domain taxonomy
//
//	EncodingError           value outside the codec's supported kinds
//	DecodingError           malformed wire payload
//	ServiceTimeoutError     no matching response in time, or caller released on shutdown
//	RemoteServiceError      handler-side failure reported in the response envelope
//	ParameterNotFoundError  no value stored at a parameter path
//	TransportError          broker failure; fatal once reconnects are exhausted
//
// Each type matches its sentinel (ErrEncoding, ErrDecoding, ErrServiceTimeout,
// ErrRemoteService, ErrParameterNotFound, ErrTransport) through errors.Is, so
// callers can test the category without a type assertion:
//
//	result, err := node.CallService(ctx, "greet_me", nil, nil)
//	switch {
//	case errors.Is(err, nvErrors.ErrServiceTimeout):
//	    // nobody answered
//	case errors.Is(err, nvErrors.ErrRemoteService):
//	    // the handler failed
//	}
package errors
