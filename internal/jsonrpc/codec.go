package jsonrpc

import (
	"bytes"
	"encoding/json"
)

// IsBatch reports whether the raw payload is a top-level JSON array.
func IsBatch(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}

// DecodeMessage parses a single JSON-RPC message. On failure it returns a
// ready-to-send error response carrying a null id: ParseError for malformed
// JSON, InvalidRequest for a well-formed document that violates the envelope.
func DecodeMessage(data []byte) (*AnyMessage, *Response) {
	if !json.Valid(data) {
		return nil, NewErrorResponse(nil, ErrorCodeParseError, "parse error", nil)
	}

	var msg AnyMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, NewErrorResponse(extractID(data), ErrorCodeInvalidRequest, "invalid request", nil)
	}
	return &msg, nil
}

// BatchItem is one successfully-classified element of a batch. Exactly one of
// Msg and Err is set: Err carries the per-element error response for a
// malformed element that still had an id.
type BatchItem struct {
	Msg *AnyMessage
	Err *Response
}

// DecodeBatch parses a top-level JSON array of messages. Each element decodes
// independently: a malformed element with an id yields a per-element error
// response, a malformed element without one is dropped. A non-array, invalid
// document, or empty array yields a single batch-level error response.
func DecodeBatch(data []byte) ([]BatchItem, *Response) {
	if !json.Valid(data) {
		return nil, NewErrorResponse(nil, ErrorCodeParseError, "parse error", nil)
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, NewErrorResponse(nil, ErrorCodeInvalidRequest, "invalid request", nil)
	}
	if len(elems) == 0 {
		return nil, NewErrorResponse(nil, ErrorCodeInvalidRequest, "empty batch", nil)
	}

	items := make([]BatchItem, 0, len(elems))
	for _, raw := range elems {
		var msg AnyMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// The element is valid JSON (it survived the array parse) but not
			// a valid envelope. Answer it only if it carried an id.
			if id := extractID(raw); !id.IsNil() {
				items = append(items, BatchItem{Err: NewErrorResponse(id, ErrorCodeInvalidRequest, "invalid request", nil)})
			}
			continue
		}
		m := msg
		items = append(items, BatchItem{Msg: &m})
	}
	return items, nil
}

// EncodeLine serializes v as a single line of minified JSON terminated by a
// newline, the framing unit of the line transport.
func EncodeLine(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func extractID(raw json.RawMessage) *RequestID {
	var probe struct {
		ID *RequestID `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil
	}
	return probe.ID
}
