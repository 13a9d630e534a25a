package service

import (
	"fmt"
	"strings"

	"github.com/c360/nvbus/codec"
	"github.com/c360/nvbus/errors"
)

// Channel prefixes.
const (
	ServicePrefix = "nv.srv."
	ReplyPrefix   = "nv.reply."
)

// Channel returns the channel a service listens on.
func Channel(name string) string {
	return ServicePrefix + name
}

// Request is one decoded call as seen by a service handler.
type Request struct {
	Service       string
	Args          []any
	Kwargs        map[string]any
	CorrelationID string
	ReplyTo       string
}

// Arg returns positional argument i, or nil when absent.
func (r Request) Arg(i int) any {
	if i < 0 || i >= len(r.Args) {
		return nil
	}
	return r.Args[i]
}

func encodeCall(r Request) ([]byte, error) {
	args := r.Args
	if args == nil {
		args = []any{}
	}
	kwargs := r.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return codec.Encode(map[string]any{
		"service":        r.Service,
		"args":           args,
		"kwargs":         kwargs,
		"correlation_id": r.CorrelationID,
		"reply_to":       r.ReplyTo,
	})
}

func decodeCall(data []byte) (Request, error) {
	m, err := decodeMapping(data)
	if err != nil {
		return Request{}, err
	}

	req := Request{Args: []any{}, Kwargs: map[string]any{}}
	var ok bool
	if req.CorrelationID, ok = m["correlation_id"].(string); !ok || req.CorrelationID == "" {
		return Request{}, &errors.DecodingError{Reason: "call envelope without correlation_id"}
	}
	if req.ReplyTo, ok = m["reply_to"].(string); !ok || req.ReplyTo == "" {
		return Request{}, &errors.DecodingError{Reason: "call envelope without reply_to"}
	}
	req.Service, _ = m["service"].(string)

	if raw, present := m["args"]; present && raw != nil {
		if req.Args, ok = raw.([]any); !ok {
			return Request{}, &errors.DecodingError{Reason: fmt.Sprintf("args is %T, want sequence", raw)}
		}
	}
	if raw, present := m["kwargs"]; present && raw != nil {
		if req.Kwargs, ok = raw.(map[string]any); !ok {
			return Request{}, &errors.DecodingError{Reason: fmt.Sprintf("kwargs is %T, want mapping", raw)}
		}
	}
	return req, nil
}

// response is a decoded response envelope. failed selects between result
// and errMsg.
type response struct {
	correlationID string
	result        any
	errMsg        string
	failed        bool
}

func encodeResult(correlationID string, result any) ([]byte, error) {
	return codec.Encode(map[string]any{
		"correlation_id": correlationID,
		"result":         result,
	})
}

// encodeError replaces invalid UTF-8 in msg, which handler errors may carry
// from raw payloads.
func encodeError(correlationID, msg string) ([]byte, error) {
	return codec.Encode(map[string]any{
		"correlation_id": correlationID,
		"error":          strings.ToValidUTF8(msg, "\uFFFD"),
	})
}

func decodeResponse(data []byte) (response, error) {
	m, err := decodeMapping(data)
	if err != nil {
		return response{}, err
	}
	id, ok := m["correlation_id"].(string)
	if !ok {
		return response{}, &errors.DecodingError{Reason: "response envelope without correlation_id"}
	}

	resp := response{correlationID: id}
	if raw, failed := m["error"]; failed {
		resp.failed = true
		if s, ok := raw.(string); ok {
			resp.errMsg = s
		} else {
			resp.errMsg = fmt.Sprint(raw)
		}
		return resp, nil
	}
	resp.result = m["result"]
	return resp, nil
}

func decodeMapping(data []byte) (map[string]any, error) {
	v, err := codec.Decode(data)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &errors.DecodingError{Reason: fmt.Sprintf("envelope is %T, want mapping", v)}
	}
	return m, nil
}
