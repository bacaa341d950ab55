package rpc

import (
	"encoding/json"
	"testing"
)

func TestParse_EmptyBodyIsParseError(t *testing.T) {
	_, err := Parse(nil)
	if err == nil || err.Code != CodeParseError {
		t.Fatalf("expected parse error, got %+v", err)
	}
}

func TestParse_EmptyArrayIsInvalidRequest(t *testing.T) {
	_, err := Parse([]byte(`[]`))
	if err == nil || err.Code != CodeInvalidRequest {
		t.Fatalf("expected invalid request for empty batch, got %+v", err)
	}
}

func TestParse_NonObjectIsParseError(t *testing.T) {
	_, err := Parse([]byte(`"just a string"`))
	if err == nil || err.Code != CodeParseError {
		t.Fatalf("expected parse error for non-object body, got %+v", err)
	}
}

func TestParse_SingletonHappyPath(t *testing.T) {
	req, err := Parse([]byte(`{"jsonrpc":"2.0","method":"eth_call","id":"x"}`))
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if req.IsBatch {
		t.Fatalf("expected singleton, got batch")
	}
	if len(req.Batch) != 1 || req.Batch[0].Method != "eth_call" {
		t.Fatalf("unexpected parsed request: %+v", req)
	}
}

func TestParse_MissingIDIsInvalidRequest(t *testing.T) {
	_, err := Parse([]byte(`{"jsonrpc":"2.0","method":"eth_call"}`))
	if err == nil || err.Code != CodeInvalidRequest {
		t.Fatalf("expected invalid request for missing id, got %+v", err)
	}
}

func TestParse_MissingMethodIsInvalidRequest(t *testing.T) {
	_, err := Parse([]byte(`{"jsonrpc":"2.0","id":1}`))
	if err == nil || err.Code != CodeInvalidRequest {
		t.Fatalf("expected invalid request for missing method, got %+v", err)
	}
}

func TestParse_WrongVersionIsInvalidRequest(t *testing.T) {
	_, err := Parse([]byte(`{"jsonrpc":"1.0","method":"eth_call","id":1}`))
	if err == nil || err.Code != CodeInvalidRequest {
		t.Fatalf("expected invalid request for wrong version, got %+v", err)
	}
}

func TestParse_BlockedNamespace(t *testing.T) {
	_, err := Parse([]byte(`{"jsonrpc":"2.0","method":"debug_traceTransaction","id":2}`))
	if err == nil || err.Code != CodeMethodNotFound {
		t.Fatalf("expected method-not-found for blocked namespace, got %+v", err)
	}
	if err.Message == "" {
		t.Fatalf("expected a message naming the namespace")
	}
}

// Scenario 1 from the spec: batch where the second entry is blocked.
func TestParse_BatchStopsAtFirstViolation(t *testing.T) {
	body := `[{"jsonrpc":"2.0","method":"eth_blockNumber","id":1},{"jsonrpc":"2.0","method":"debug_traceTransaction","id":2}]`
	_, err := Parse([]byte(body))
	if err == nil {
		t.Fatalf("expected an error for the batch")
	}
	if err.Code != CodeMethodNotFound {
		t.Fatalf("expected method-not-found, got code %d", err.Code)
	}
	var id int
	if e := json.Unmarshal(err.ID, &id); e != nil || id != 2 {
		t.Fatalf("expected echoed id 2, got %s (err=%v)", err.ID, e)
	}
}

func TestBlockedNamespaces_TrimsUnderscore(t *testing.T) {
	for _, ns := range BlockedNamespaces() {
		if ns == "" {
			t.Fatalf("unexpected empty namespace in list")
		}
		if ns[len(ns)-1] == '_' {
			t.Fatalf("namespace %q should not carry trailing underscore", ns)
		}
	}
}
