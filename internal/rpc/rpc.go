// Package rpc parses and validates JSON-RPC 2.0 request bodies into a
// typed value. Per spec §9 ("dynamic/loosely typed request bodies"),
// parsing happens exactly once at the edge; every downstream component
// operates on the typed Request value (a batch of Single calls), never
// raw JSON.
package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Error codes from the JSON-RPC 2.0 spec plus the proxy-specific
// rate-limit code.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeRateLimited    = -32005
)

// blockedPrefixes are method namespaces this proxy refuses to forward,
// regardless of upstream support.
var blockedPrefixes = []string{
	"admin_", "personal_", "debug_", "miner_", "engine_", "clique_", "les_",
}

// BlockedNamespaces returns the configured blocked namespace list
// (without trailing underscores) for admin reporting.
func BlockedNamespaces() []string {
	out := make([]string, len(blockedPrefixes))
	for i, p := range blockedPrefixes {
		out[i] = strings.TrimSuffix(p, "_")
	}
	return out
}

// Single is one JSON-RPC 2.0 request object.
type Single struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`

	idPresent bool
}

// IDOrNull returns the echoable id value, or the literal null raw
// message if the id was never set.
func (s Single) IDOrNull() json.RawMessage {
	if !s.idPresent || len(s.ID) == 0 {
		return json.RawMessage("null")
	}
	return s.ID
}

// BlockedNamespace returns the blocked namespace (without trailing
// underscore) that s.Method falls under, or "" if none.
func (s Single) BlockedNamespace() string {
	for _, p := range blockedPrefixes {
		if strings.HasPrefix(s.Method, p) {
			return strings.TrimSuffix(p, "_")
		}
	}
	return ""
}

// Request is the typed, validated value downstream components consume:
// either a single call or a batch.
type Request struct {
	Batch    []Single
	IsBatch  bool
}

// Error represents a JSON-RPC error to be returned to the client,
// carrying the id it should be echoed against (nil meaning "null", e.g.
// for batch-level or parse failures).
type Error struct {
	Code    int
	Message string
	ID      json.RawMessage
}

func (e *Error) Error() string { return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message) }

func newError(code int, msg string, id json.RawMessage) *Error {
	if id == nil {
		id = json.RawMessage("null")
	}
	return &Error{Code: code, Message: msg, ID: id}
}

// Body is the response envelope for a JSON-RPC error.
type Body struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   *ErrorPayload   `json:"error"`
}

type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ErrorBody builds the HTTP-200 JSON-RPC error body spec §6 mandates.
func ErrorBody(e *Error) Body {
	return Body{
		JSONRPC: "2.0",
		ID:      e.ID,
		Error:   &ErrorPayload{Code: e.Code, Message: e.Message},
	}
}

// Parse validates a raw JSON-RPC body (singleton or batch array) per
// spec §4.2. On success it returns the typed Request. On validation
// failure it returns a *Error describing exactly the first violation
// found (batches report the offending index).
//
// Malformed input is reported as a parse or invalid-request error, never
// as a panic. Parse does not recover panics itself: an unexpected
// internal failure propagates to the caller, which wraps Parse in
// safe.CallErr and passes the request through (the validator's
// fail-open contract).
func Parse(body []byte) (*Request, *Error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, newError(CodeParseError, "Parse error", nil)
	}

	var probe json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, newError(CodeParseError, "Parse error", nil)
	}

	switch trimmed[0] {
	case '[':
		return parseBatch(trimmed)
	case '{':
		return parseSingleton(trimmed)
	default:
		return nil, newError(CodeParseError, "Parse error", nil)
	}
}

func parseSingleton(raw []byte) (*Request, *Error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return nil, newError(CodeParseError, "Parse error", nil)
	}

	single, vErr := validateOne(m, -1)
	if vErr != nil {
		return nil, vErr
	}

	return &Request{Batch: []Single{single}, IsBatch: false}, nil
}

func parseBatch(raw []byte) (*Request, *Error) {
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, newError(CodeParseError, "Parse error", nil)
	}
	if len(items) == 0 {
		return nil, newError(CodeInvalidRequest, "Invalid Request", nil)
	}

	singles := make([]Single, 0, len(items))
	for idx, m := range items {
		s, vErr := validateOne(m, idx)
		if vErr != nil {
			return nil, vErr
		}
		singles = append(singles, s)
	}

	return &Request{Batch: singles, IsBatch: true}, nil
}

func validateOne(m map[string]json.RawMessage, batchIndex int) (Single, *Error) {
	id := m["id"]
	_, idPresent := m["id"]

	idForError := id
	if !idPresent {
		idForError = nil
	}

	versionRaw, ok := m["jsonrpc"]
	var version string
	if ok {
		_ = json.Unmarshal(versionRaw, &version)
	}
	if version != "2.0" {
		return Single{}, newError(CodeInvalidRequest, invalidMsg("Invalid Request: jsonrpc must be \"2.0\"", batchIndex), idForError)
	}

	methodRaw, ok := m["method"]
	var method string
	if ok {
		_ = json.Unmarshal(methodRaw, &method)
	}
	if method == "" {
		return Single{}, newError(CodeInvalidRequest, invalidMsg("Invalid Request: method is required", batchIndex), idForError)
	}

	if !idPresent {
		return Single{}, newError(CodeInvalidRequest, invalidMsg("Invalid Request: id is required", batchIndex), idForError)
	}

	single := Single{
		JSONRPC:   version,
		Method:    method,
		ID:        id,
		idPresent: true,
	}
	if p, ok := m["params"]; ok {
		single.Params = p
	}

	if ns := single.BlockedNamespace(); ns != "" {
		return Single{}, newError(CodeMethodNotFound, fmt.Sprintf("Blocked method namespace: %s", ns), idForError)
	}

	return single, nil
}

func invalidMsg(base string, batchIndex int) string {
	if batchIndex < 0 {
		return base
	}
	return fmt.Sprintf("%s (batch index %d)", base, batchIndex)
}
