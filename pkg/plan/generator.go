package plan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/entrhq/pilot/pkg/logging"
	"github.com/entrhq/pilot/pkg/types"
)

// Generator defaults
const (
	DefaultMaxIterations = 6
	DefaultCallTimeout   = 60 * time.Second
)

// GeneratorConfig configures the planning loop.
type GeneratorConfig struct {
	MaxIterations int
	CallTimeout   time.Duration
	Defaults      StepDefaults
}

// Generator produces validated plans from a goal and page model.
type Generator struct {
	reasoner  Reasoner
	toolbox   *Toolbox
	validator *Validator
	cfg       GeneratorConfig
	logger    *logging.Logger
}

// NewGenerator creates a generator. A nil validator uses DefaultPolicy.
func NewGenerator(reasoner Reasoner, validator *Validator, cfg GeneratorConfig, logger *logging.Logger) *Generator {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	cfg.Defaults = cfg.Defaults.withDefaults()
	if validator == nil {
		validator = MustValidator(DefaultPolicy())
	}
	return &Generator{
		reasoner:  reasoner,
		toolbox:   NewToolbox(),
		validator: validator,
		cfg:       cfg,
		logger:    logging.OrNop(logger).With("planner"),
	}
}

// Validator returns the validator applied to generated plans.
func (g *Generator) Validator() *Validator {
	return g.validator
}

// Generate runs the reasoning loop and returns a validated plan. Reasoning
// failures produce a FallbackPlan rather than an error; errors are returned
// only for invalid input and cancellation.
func (g *Generator) Generate(ctx context.Context, goal string, page *types.PageModel) (*types.ExecutionPlan, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, types.NewTaskError(types.ErrorInvalidInput, "goal is required")
	}
	if err := page.Validate(); err != nil {
		return nil, err
	}

	plan, err := g.reason(ctx, goal, page)
	if err != nil {
		return nil, err
	}
	g.validate(plan, page)
	return plan, nil
}

func (g *Generator) reason(ctx context.Context, goal string, page *types.PageModel) (*types.ExecutionPlan, error) {
	req := &ReasonRequest{
		Goal:          goal,
		Page:          page,
		Tools:         g.toolbox.Specs(),
		MaxIterations: g.cfg.MaxIterations,
	}

	for i := 0; i < g.cfg.MaxIterations; i++ {
		req.Iteration = i + 1
		resp, err := g.call(ctx, req)
		if ctx.Err() != nil {
			return nil, types.NewTaskError(types.ErrorCancelled, "planning cancelled: %v", ctx.Err())
		}
		if err != nil {
			g.logger.Warnf("Reasoner failed on iteration %d: %v", req.Iteration, err)
			return FallbackPlan(goal, page, fmt.Sprintf("reasoner error: %v", err)), nil
		}

		switch {
		case resp.Plan != nil:
			plan, warnings, err := BuildPlan(goal, page, resp.Plan, g.cfg.Defaults)
			if err != nil {
				return FallbackPlan(goal, page, fmt.Sprintf("unusable plan: %v", err)), nil
			}
			for _, w := range warnings {
				g.logger.Warnf("Plan payload: %s", w)
			}
			if len(plan.Steps) == 0 {
				return FallbackPlan(goal, page, "reasoner plan had no valid steps"), nil
			}
			g.logger.Infof("Reasoner produced a %d-step plan after %d iterations", len(plan.Steps), req.Iteration)
			return plan, nil

		case resp.ToolCall != nil:
			result := g.toolbox.Dispatch(ctx, *resp.ToolCall, goal, page)
			if result.Error != "" {
				g.logger.Debugf("Tool %s failed: %s", resp.ToolCall.Name, result.Error)
			} else {
				g.logger.Debugf("Tool %s returned %d bytes", resp.ToolCall.Name, len(result.Content))
			}
			req.History = append(req.History, Exchange{Call: *resp.ToolCall, Result: result})

		default:
			g.logger.Warnf("Reasoner returned neither a tool call nor a plan on iteration %d", req.Iteration)
			return FallbackPlan(goal, page, "malformed reasoner output"), nil
		}
	}

	g.logger.Warnf("Planning iteration budget of %d exhausted", g.cfg.MaxIterations)
	return FallbackPlan(goal, page, fmt.Sprintf("iteration budget of %d exhausted", g.cfg.MaxIterations)), nil
}

// call bounds one reasoner call by CallTimeout.
func (g *Generator) call(ctx context.Context, req *ReasonRequest) (*ReasonResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	resp, err := g.reasoner.Next(callCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("reasoner call timed out after %s", g.cfg.CallTimeout)
		}
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("reasoner returned no response")
	}
	return resp, nil
}

// validate attaches the verdict and derived flags to plan.
func (g *Generator) validate(plan *types.ExecutionPlan, page *types.PageModel) {
	v := g.validator.Validate(plan, page)
	plan.Validation = v
	plan.Risk = v.Risk
	plan.RequiresApproval = plan.RequiresApproval || v.RequiresApproval
	if v.IsValid {
		plan.Status = types.PlanValidated
	}
	g.logger.Infof("Plan %s validated: valid=%t score=%.2f risk=%s approval=%t (%d errors, %d warnings)",
		plan.ID, v.IsValid, v.ConfidenceScore, v.Risk, plan.RequiresApproval, len(v.Errors), len(v.Warnings))
}
