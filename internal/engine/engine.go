// Package engine evaluates action contexts against the immutable policy
// and records every decision in the ledger before returning it. The
// append is part of the evaluation itself: a caller can never observe a
// decision that is not already durable.
package engine

import (
	"fmt"

	"github.com/nkarpov/gavel/internal/ledger"
	"github.com/nkarpov/gavel/internal/model"
	"github.com/nkarpov/gavel/internal/policy"
)

// Engine is the rule engine. Predicate matching is side-effect-free and
// runs fully in parallel; only the ledger append point is exclusive.
type Engine struct {
	policy *policy.Policy
	log    *ledger.Ledger
}

// Outcome is one recorded evaluation: the decision plus the sequence
// number of the ledger entry that proves it happened.
type Outcome struct {
	model.Decision
	Seq uint64
}

// New creates an engine over a loaded policy and an open ledger.
func New(p *policy.Policy, log *ledger.Ledger) *Engine {
	return &Engine{policy: p, log: log}
}

// Policy returns the immutable policy the engine evaluates against.
func (e *Engine) Policy() *policy.Policy {
	return e.policy
}

// Evaluate decides an action context and appends exactly one ledger
// entry before returning. It never fails for a well-formed context; an
// unknown capability is an automatic deny. The only error is a ledger
// write failure, which is fatal: the caller must stop accepting work,
// and the returned decision is deny.
func (e *Engine) Evaluate(ctx model.ActionContext) (Outcome, error) {
	d := e.decide(ctx)

	entry, err := e.log.Append(ledger.Entry{
		Kind:          ledger.KindDecision,
		Actor:         ctx.Actor,
		Proposal:      ctx.Metadata["proposal_id"],
		Capability:    string(ctx.Capability),
		Target:        ctx.Target,
		Metadata:      ctx.Metadata,
		Effect:        string(d.Effect),
		RuleID:        d.RuleID,
		Reason:        d.Reason,
		PolicyVersion: e.policy.Version,
		PolicyHash:    e.policy.Hash,
	})
	if err != nil {
		return Outcome{Decision: model.Decision{
			Effect: model.Deny,
			RuleID: "engine.ledger_unavailable",
			Reason: "decision could not be recorded",
		}}, fmt.Errorf("engine: record decision: %w", err)
	}

	return Outcome{Decision: d, Seq: entry.Seq}, nil
}

// decide runs pure predicate matching. Tie-break: the most specific
// target match wins; among equally specific matches, deny wins. A
// context no rule matches is denied.
func (e *Engine) decide(ctx model.ActionContext) model.Decision {
	if _, ok := model.ParseCapability(string(ctx.Capability)); !ok {
		return model.Decision{
			Effect: model.Deny,
			RuleID: "engine.unknown_capability",
			Reason: fmt.Sprintf("unknown capability category %q", ctx.Capability),
		}
	}

	var matches []policy.Rule
	for _, rule := range e.policy.RulesFor(ctx.Capability) {
		if rule.Matches(ctx) {
			matches = append(matches, rule)
		}
	}
	if len(matches) == 0 {
		return model.Decision{
			Effect: model.Deny,
			RuleID: "engine.default_deny",
			Reason: fmt.Sprintf("no %s rule matches %q; fail-closed", ctx.Capability, ctx.Target),
		}
	}

	best := matches[0]
	for _, rule := range matches[1:] {
		switch {
		case rule.Specificity() > best.Specificity():
			best = rule
		case rule.Specificity() == best.Specificity() && rule.Effect == model.Deny && best.Effect == model.Allow:
			best = rule
		}
	}

	reason := best.Reason
	if reason == "" {
		reason = fmt.Sprintf("%s %s by rule %s", ctx.Capability, best.Effect, best.ID)
	}
	return model.Decision{
		Effect: best.Effect,
		RuleID: best.ID,
		Reason: reason,
	}
}
