// Package jsonrpc implements the JSON-RPC 2.0 wire codec and the
// request/response correlator shared by every transport.
package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the only accepted protocol version.
const Version = "2.0"

// Well-known error codes.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeNotFound       = -32601
	CodeInternal       = -32603
	CodeServer         = -32000
)

// Error is a JSON-RPC error object. It satisfies the error interface so
// handlers and callers can pass it through ordinary error returns.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

func codeMessage(code int) string {
	switch code {
	case CodeParse:
		return "parse error"
	case CodeInvalidRequest:
		return "invalid request"
	case CodeNotFound:
		return "method not found"
	case CodeInternal:
		return "internal error"
	case CodeServer:
		return "server error"
	default:
		return "unknown error"
	}
}

// NormalizeError folds heterogeneous failure values into a wire error:
// a bare code keeps its canonical message, a string or arbitrary error
// becomes an internal error with the message preserved, and an *Error
// passes through untouched.
func NormalizeError(v any) *Error {
	switch e := v.(type) {
	case nil:
		return &Error{Code: CodeInternal, Message: codeMessage(CodeInternal)}
	case *Error:
		return e
	case Error:
		return &e
	case int:
		return &Error{Code: e, Message: codeMessage(e)}
	case string:
		return &Error{Code: CodeInternal, Message: e}
	case error:
		var je *Error
		if errors.As(e, &je) {
			return je
		}
		return &Error{Code: CodeInternal, Message: e.Error()}
	default:
		return &Error{Code: CodeInternal, Message: fmt.Sprintf("%v", e)}
	}
}

// Kind classifies a parsed frame.
type Kind int

const (
	KindRequest Kind = iota
	KindNotify
	KindResponse
)

// Message is a parsed JSON-RPC frame.
type Message struct {
	Kind   Kind
	ID     any // as decoded; falsy for notifies
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Err    *Error
}

// wireProbe decodes loosely so shape problems surface as invalid-request
// rather than parse errors.
type wireProbe struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  any             `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Truthy reports whether an id counts as present. Frames with an absent
// or falsy id (null, 0, false, "") are classified as notifies. This
// deliberately mirrors the upstream wire behavior, so an id of 0 is a
// notify. Allocated ids are non-empty decimal strings and always truthy.
func Truthy(id any) bool {
	switch v := id.(type) {
	case nil:
		return false
	case string:
		return v != ""
	case float64:
		return v != 0
	case bool:
		return v
	default:
		return true
	}
}

// Parse decodes and classifies a frame. Malformed JSON yields a
// CodeParse error; a wrong version or bad shape yields CodeInvalidRequest.
func Parse(raw []byte) (*Message, error) {
	var p wireProbe
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &Error{Code: CodeParse, Message: codeMessage(CodeParse)}
	}
	if p.JSONRPC != Version {
		return nil, &Error{Code: CodeInvalidRequest, Message: "unsupported jsonrpc version"}
	}

	if p.Method != nil {
		method, ok := p.Method.(string)
		if !ok || method == "" {
			return nil, &Error{Code: CodeInvalidRequest, Message: "method must be a non-empty string"}
		}
		m := &Message{ID: p.ID, Method: method, Params: p.Params}
		if Truthy(p.ID) {
			m.Kind = KindRequest
		} else {
			m.Kind = KindNotify
		}
		return m, nil
	}

	if p.Result == nil && p.Error == nil {
		return nil, &Error{Code: CodeInvalidRequest, Message: "frame carries neither method nor result/error"}
	}
	return &Message{Kind: KindResponse, ID: p.ID, Result: p.Result, Err: p.Error}, nil
}

// FormatRequest produces a request frame.
func FormatRequest(id, method string, params any) ([]byte, error) {
	return json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		ID      string `json:"id"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{Version, id, method, params})
}

// FormatNotify produces a notify frame (no id).
func FormatNotify(method string, params any) ([]byte, error) {
	return json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{Version, method, params})
}

// FormatResult produces a result frame, echoing the request id verbatim.
func FormatResult(id any, result any) ([]byte, error) {
	return json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		ID      any    `json:"id"`
		Result  any    `json:"result"`
	}{Version, id, result})
}

// FormatError produces an error frame from any failure value, echoing
// the request id verbatim.
func FormatError(id any, v any) ([]byte, error) {
	return json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		ID      any    `json:"id"`
		Error   *Error `json:"error"`
	}{Version, id, NormalizeError(v)})
}
