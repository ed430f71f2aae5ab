package executor

import "context"

// SystemHandler is a reserved dispatch target. The source implementation
// never filled this in; per the spec, it always reports unimplemented
// rather than guessing at intended semantics.
type SystemHandler struct{}

// Execute implements Handler.
func (SystemHandler) Execute(ctx context.Context, id, payload string) (bool, map[string]any) {
	return false, map[string]any{"error_type": ErrorTypeHandler, "message": "unimplemented"}
}
