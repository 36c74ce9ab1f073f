package rpc

import "github.com/torvus/raspictl/internal/ctlerr"

// kindToCode is the fixed table from spec.md §4.3 "Error mapping".
var kindToCode = map[ctlerr.Kind]int{
	ctlerr.InvalidArgument:    -32602,
	ctlerr.PermissionDenied:   -32001,
	ctlerr.Unauthenticated:    -32002,
	ctlerr.Unavailable:        -32003,
	ctlerr.FailedPrecondition: -32004,
	ctlerr.NotFound:           -32601,
	ctlerr.Timeout:            -32005,
	ctlerr.Internal:           -32603,
	ctlerr.ProtocolError:      -32600,
}

// errorPayloadFor builds the outward payload for a typed error: message
// plus data = details ∪ {error_code: kind}.
func errorPayloadFor(err *ctlerr.Error) *ErrorPayload {
	code, ok := kindToCode[err.Kind]
	if !ok {
		code = codeInternal
	}
	data := make(map[string]any, len(err.Details)+1)
	for k, v := range err.Details {
		data[k] = v
	}
	data["error_code"] = string(err.Kind)
	return &ErrorPayload{Code: code, Message: err.Message, Data: data}
}
