package plan

import (
	"time"

	"github.com/google/uuid"

	"github.com/entrhq/pilot/pkg/types"
)

// FallbackConfidence is the confidence assigned to fallback plans.
const FallbackConfidence = 0.3

// FallbackPlan returns the minimal plan used when reasoning produced
// nothing usable: a single navigation back to the page, or a verification
// step when the page has no URL. It always requires approval.
func FallbackPlan(goal string, page *types.PageModel, reason string) *types.ExecutionPlan {
	step := &types.AtomicAction{
		Step:        1,
		Confidence:  FallbackConfidence,
		Timeout:     DefaultStepDefaults().Timeout,
		MaxRetries:  1,
		RetryDelay:  time.Second,
		Critical:    true,
		Status:      types.ActionPending,
		Description: "reload the page for manual review",
	}
	url := ""
	if page != nil {
		url = page.URL
	}
	if url != "" {
		step.Kind = types.ActionNavigate
		step.Value = url
	} else {
		step.Kind = types.ActionVerify
		step.Description = "verify the page is reachable"
	}

	return &types.ExecutionPlan{
		ID:                uuid.New().String(),
		Version:           1,
		Goal:              goal,
		Title:             "Fallback plan",
		Description:       "Minimal plan generated because reasoning failed: " + reason,
		Category:          "fallback",
		PageURL:           url,
		Steps:             []*types.AtomicAction{step},
		Confidence:        FallbackConfidence,
		Complexity:        0,
		Risk:              types.RiskMedium,
		RequiresApproval:  true,
		EstimatedDuration: estimateStep(step),
		Status:            types.PlanDraft,
		Fallback:          true,
		Notes:             []string{reason},
		Extensions:        map[string]string{"fallback_reason": reason, "error_kind": string(types.ErrorReasoningFailure)},
		CreatedAt:         time.Now(),
	}
}
