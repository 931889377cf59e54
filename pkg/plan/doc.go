// Package plan turns a goal and a page model into a validated
// ExecutionPlan.
//
// The Generator runs a bounded reason-then-act loop against a Reasoner,
// exposing the inspection tools in Toolbox. Reasoner output is parsed into
// an ExecutionPlan by BuildPlan; when reasoning fails or produces nothing
// usable, a minimal FallbackPlan is returned instead so planning never
// stalls. Every plan then goes through the Validator, a pure function over
// the plan and page model.
package plan
