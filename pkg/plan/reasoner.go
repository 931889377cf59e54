package plan

import (
	"context"

	"github.com/entrhq/pilot/pkg/types"
)

// Exchange is one tool call and its result within a planning session.
type Exchange struct {
	Call   ToolCall   `json:"call"`
	Result ToolResult `json:"result"`
}

// ReasonRequest is everything a reasoner sees on one iteration.
type ReasonRequest struct {
	Goal          string
	Page          *types.PageModel
	Tools         []ToolSpec
	History       []Exchange
	Iteration     int
	MaxIterations int
}

// ReasonResponse carries either a tool call or a terminal plan. A response
// with neither is treated as malformed.
type ReasonResponse struct {
	ToolCall *ToolCall
	Plan     *PlanPayload

	// Raw is the unparsed reasoner output, kept for diagnostics
	Raw string
}

// Reasoner is the external goal-reasoning capability.
type Reasoner interface {
	Next(ctx context.Context, req *ReasonRequest) (*ReasonResponse, error)
}

// ReasonerFunc adapts a function to the Reasoner interface.
type ReasonerFunc func(ctx context.Context, req *ReasonRequest) (*ReasonResponse, error)

func (f ReasonerFunc) Next(ctx context.Context, req *ReasonRequest) (*ReasonResponse, error) {
	return f(ctx, req)
}
