package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/holon-run/agentrelay/pkg/runner"
)

func TestParseJSONRPCRequest(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantCode int
	}{
		{"valid", `{"jsonrpc":"2.0","id":1,"method":"run/start","params":{"prompt":"hi"}}`, 0},
		{"array params", `{"jsonrpc":"2.0","id":1,"method":"x","params":[1,2,3]}`, 0},
		{"notification", `{"jsonrpc":"2.0","method":"x"}`, 0},
		{"invalid json", `{invalid json`, ErrCodeParseError},
		{"missing version", `{"id":1,"method":"x"}`, ErrCodeInvalidRequest},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"x"}`, ErrCodeInvalidRequest},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, ErrCodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseJSONRPCRequest([]byte(tt.data))
			if tt.wantCode == 0 {
				if err != nil {
					t.Fatalf("ParseJSONRPCRequest() error = %v", err)
				}
				if req == nil || req.JSONRPC != "2.0" {
					t.Fatalf("ParseJSONRPCRequest() = %+v", req)
				}
				return
			}
			if err == nil {
				t.Fatal("ParseJSONRPCRequest() expected error, got nil")
			}
			if req != nil {
				t.Error("ParseJSONRPCRequest() expected nil request on error")
			}
			if err.Code != tt.wantCode {
				t.Errorf("Error code = %d, want %d", err.Code, tt.wantCode)
			}
		})
	}
}

func TestParseJSONRPCRequestKeepsIDAndParams(t *testing.T) {
	req, err := ParseJSONRPCRequest([]byte(`{"jsonrpc":"2.0","id":7,"method":"m","params":{"key": "value"}}`))
	if err != nil {
		t.Fatalf("ParseJSONRPCRequest() error = %v", err)
	}
	if req.ID != float64(7) {
		t.Errorf("ID = %v, want 7", req.ID)
	}
	if string(req.Params) != `{"key": "value"}` {
		t.Errorf("Params = %s", req.Params)
	}
}

func TestMethodRegistryDispatch(t *testing.T) {
	registry := NewMethodRegistry()
	registry.RegisterMethod("ok", func(ctx context.Context, params json.RawMessage) (interface{}, *JSONRPCError) {
		return map[string]string{"endpoint": EndpointFromContext(ctx)}, nil
	})
	registry.RegisterMethod("fail", func(context.Context, json.RawMessage) (interface{}, *JSONRPCError) {
		return nil, NewJSONRPCError(ErrCodeInvalidParams, "invalid parameter")
	})

	ctx := WithEndpoint(context.Background(), "ui-1")
	result, err := registry.Dispatch(ctx, "ok", nil)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if got := result.(map[string]string)["endpoint"]; got != "ui-1" {
		t.Errorf("endpoint = %q, want ui-1", got)
	}

	if _, err := registry.Dispatch(ctx, "fail", nil); err == nil || err.Code != ErrCodeInvalidParams {
		t.Errorf("Dispatch(fail) error = %v, want code %d", err, ErrCodeInvalidParams)
	}
	if _, err := registry.Dispatch(ctx, "missing", nil); err == nil || err.Code != ErrCodeMethodNotFound {
		t.Errorf("Dispatch(missing) error = %v, want code %d", err, ErrCodeMethodNotFound)
	}
}

func TestMethodRegistryHandle(t *testing.T) {
	registry := NewMethodRegistry()
	registry.RegisterMethod("echo", func(_ context.Context, params json.RawMessage) (interface{}, *JSONRPCError) {
		var p map[string]interface{}
		if rpcErr := decodeParams(params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		return p, nil
	})
	ctx := context.Background()

	resp := registry.Handle(ctx, []byte(`{"jsonrpc":"2.0","id":"a","method":"echo","params":{"x":1}}`))
	if resp == nil || resp.Error != nil || resp.ID != "a" || string(resp.Result) != `{"x":1}` {
		t.Fatalf("Handle() = %+v", resp)
	}

	if resp := registry.Handle(ctx, []byte(`{"jsonrpc":"2.0","method":"echo"}`)); resp != nil {
		t.Fatalf("Handle(notification) = %+v, want nil", resp)
	}

	resp = registry.Handle(ctx, []byte(`not json`))
	if resp == nil || resp.Error == nil || resp.Error.Code != ErrCodeParseError || resp.ID != nil {
		t.Fatalf("Handle(garbage) = %+v", resp)
	}

	resp = registry.Handle(ctx, []byte(`{"jsonrpc":"2.0","id":2,"method":"echo","params":"nope"}`))
	if resp == nil || resp.Error == nil || resp.Error.Code != ErrCodeInvalidParams {
		t.Fatalf("Handle(bad params) = %+v", resp)
	}
}

func TestErrorFromRun(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: prompt is empty", runner.ErrValidation), ErrCodeInvalidParams},
		{fmt.Errorf("%w: codex", runner.ErrNotFound), ErrCodeBinaryNotFound},
		{fmt.Errorf("%w: /nope", runner.ErrWorkspace), ErrCodeWorkspace},
		{fmt.Errorf("%w: exec format error", runner.ErrSpawn), ErrCodeSpawn},
		{errors.New("boom"), ErrCodeInternalError},
	}
	for _, tt := range tests {
		got := ErrorFromRun(tt.err)
		if got.Code != tt.want {
			t.Errorf("ErrorFromRun(%v).Code = %d, want %d", tt.err, got.Code, tt.want)
		}
		if got.Message != tt.err.Error() {
			t.Errorf("ErrorFromRun(%v).Message = %q", tt.err, got.Message)
		}
	}
}

func TestNewJSONRPCErrorWithData(t *testing.T) {
	rpcErr, err := NewJSONRPCErrorWithData(ErrCodeInvalidParams, "invalid params", map[string]string{"field": "value"})
	if err != nil {
		t.Fatalf("NewJSONRPCErrorWithData() error = %v", err)
	}
	var data map[string]string
	if err := json.Unmarshal(rpcErr.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data["field"] != "value" {
		t.Errorf("data = %v", data)
	}
	if rpcErr.Error() != "rpc error (code -32602): invalid params" {
		t.Errorf("Error() = %q", rpcErr.Error())
	}
}

func TestEndpointFromContextEmpty(t *testing.T) {
	if got := EndpointFromContext(context.Background()); got != "" {
		t.Errorf("EndpointFromContext() = %q, want empty", got)
	}
}
