package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/holon-run/agentrelay/pkg/runner"
)

// JSON-RPC 2.0 specification types
// See: https://www.jsonrpc.org/specification

// JSONRPCRequest represents a JSON-RPC 2.0 request object
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response object
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error object
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("rpc error (code %d): %s", e.Code, e.Message)
}

// Standard JSON-RPC 2.0 error codes
const (
	// Parse error: Invalid JSON was received by the server
	ErrCodeParseError = -32700

	// Invalid request: The JSON sent is not a valid Request object
	ErrCodeInvalidRequest = -32600

	// Method not found: The method does not exist / is not available
	ErrCodeMethodNotFound = -32601

	// Invalid params: Invalid method parameter(s)
	ErrCodeInvalidParams = -32602

	// Internal error: Internal JSON-RPC error
	ErrCodeInternalError = -32603
)

// Server error codes for run failures
const (
	ErrCodeBinaryNotFound = -32004
	ErrCodeWorkspace      = -32005
	ErrCodeSpawn          = -32006
)

// Standard error messages
const (
	ErrMsgParseError     = "Parse error"
	ErrMsgInvalidRequest = "Invalid Request"
	ErrMsgMethodNotFound = "Method not found"
	ErrMsgInvalidParams  = "Invalid params"
	ErrMsgInternalError  = "Internal error"
)

// NewJSONRPCError creates a new JSON-RPC error with the given code and message
func NewJSONRPCError(code int, message string) *JSONRPCError {
	return &JSONRPCError{
		Code:    code,
		Message: message,
	}
}

// NewJSONRPCErrorWithData creates a new JSON-RPC error with additional data
func NewJSONRPCErrorWithData(code int, message string, data interface{}) (*JSONRPCError, error) {
	rpcErr := &JSONRPCError{
		Code:    code,
		Message: message,
	}
	if data != nil {
		rawData, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal error data: %w", err)
		}
		rpcErr.Data = json.RawMessage(rawData)
	}
	return rpcErr, nil
}

// ErrorFromRun maps runner errors to JSON-RPC errors.
func ErrorFromRun(err error) *JSONRPCError {
	switch {
	case errors.Is(err, runner.ErrValidation):
		return NewJSONRPCError(ErrCodeInvalidParams, err.Error())
	case errors.Is(err, runner.ErrNotFound):
		return NewJSONRPCError(ErrCodeBinaryNotFound, err.Error())
	case errors.Is(err, runner.ErrWorkspace):
		return NewJSONRPCError(ErrCodeWorkspace, err.Error())
	case errors.Is(err, runner.ErrSpawn):
		return NewJSONRPCError(ErrCodeSpawn, err.Error())
	default:
		return NewJSONRPCError(ErrCodeInternalError, err.Error())
	}
}

// MethodHandler is a function that handles a JSON-RPC method call
type MethodHandler func(ctx context.Context, params json.RawMessage) (interface{}, *JSONRPCError)

// MethodRegistry holds registered JSON-RPC methods
type MethodRegistry struct {
	methods map[string]MethodHandler
}

// NewMethodRegistry creates a new method registry
func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{
		methods: make(map[string]MethodHandler),
	}
}

// RegisterMethod registers a new method handler
func (r *MethodRegistry) RegisterMethod(name string, handler MethodHandler) {
	r.methods[name] = handler
}

// Dispatch calls the appropriate method handler based on the method name
func (r *MethodRegistry) Dispatch(ctx context.Context, method string, params json.RawMessage) (interface{}, *JSONRPCError) {
	handler, ok := r.methods[method]
	if !ok {
		return nil, NewJSONRPCError(ErrCodeMethodNotFound, ErrMsgMethodNotFound)
	}

	result, err := handler(ctx, params)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Handle parses one raw request and dispatches it. It returns nil for
// notifications, which get no response.
func (r *MethodRegistry) Handle(ctx context.Context, data []byte) *JSONRPCResponse {
	req, rpcErr := ParseJSONRPCRequest(data)
	if rpcErr != nil {
		resp := newJSONRPCResponse(nil, nil, rpcErr)
		return &resp
	}

	result, rpcErr := r.Dispatch(ctx, req.Method, req.Params)
	traceServe("rpc.dispatch", map[string]interface{}{
		"method":   req.Method,
		"endpoint": EndpointFromContext(ctx),
		"failed":   rpcErr != nil,
	})

	// JSON-RPC 2.0 spec: notifications must not receive a response
	if req.ID == nil {
		return nil
	}
	resp := newJSONRPCResponse(req.ID, result, rpcErr)
	return &resp
}

// ValidateJSONRPCRequest validates a JSON-RPC request envelope
func ValidateJSONRPCRequest(req *JSONRPCRequest) *JSONRPCError {
	if req.JSONRPC != "2.0" {
		return NewJSONRPCError(ErrCodeInvalidRequest, "jsonrpc version must be '2.0'")
	}
	if req.Method == "" {
		return NewJSONRPCError(ErrCodeInvalidRequest, "method is required")
	}
	return nil
}

// ParseJSONRPCRequest parses a JSON-RPC request from a byte slice
func ParseJSONRPCRequest(data []byte) (*JSONRPCRequest, *JSONRPCError) {
	var req JSONRPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, NewJSONRPCError(ErrCodeParseError, ErrMsgParseError)
	}

	if validationErr := ValidateJSONRPCRequest(&req); validationErr != nil {
		return nil, validationErr
	}

	return &req, nil
}

func newJSONRPCResponse(id interface{}, result interface{}, rpcErr *JSONRPCError) JSONRPCResponse {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
	}
	if rpcErr != nil {
		resp.Error = rpcErr
		return resp
	}
	rawResult, err := json.Marshal(result)
	if err != nil {
		resp.Error = NewJSONRPCError(ErrCodeInternalError, "failed to marshal result")
		return resp
	}
	resp.Result = json.RawMessage(rawResult)
	return resp
}

// decodeParams unmarshals params into v, treating absent params as empty.
func decodeParams(params json.RawMessage, v interface{}) *JSONRPCError {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return NewJSONRPCError(ErrCodeInvalidParams, fmt.Sprintf("%s: %v", ErrMsgInvalidParams, err))
	}
	return nil
}

type endpointKey struct{}

// WithEndpoint tags ctx with the endpoint a request arrived on.
func WithEndpoint(ctx context.Context, endpoint string) context.Context {
	return context.WithValue(ctx, endpointKey{}, endpoint)
}

// EndpointFromContext returns the endpoint set by WithEndpoint, or "".
func EndpointFromContext(ctx context.Context) string {
	id, _ := ctx.Value(endpointKey{}).(string)
	return id
}
