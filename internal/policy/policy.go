package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/nkarpov/gavel/internal/model"
)

// Error is a fatal policy fault: the document is malformed, a mandatory
// category is missing, or a rule predicate does not compile. Raised only
// at load time; the process must not start without a valid policy.
type Error struct {
	Path   string
	Detail string
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("policy %s: %s", e.Path, e.Detail)
	}
	return fmt.Sprintf("policy: %s", e.Detail)
}

// RuleSpec is one rule as written in the policy document.
type RuleSpec struct {
	ID     string `yaml:"id"`
	Target string `yaml:"target"`
	Effect string `yaml:"effect"`
	When   string `yaml:"when,omitempty"`
	Reason string `yaml:"reason,omitempty"`
}

// Document is the on-disk policy format: a versioned set of capability
// categories, each with zero or more rules, plus the constitution-style
// bans consulted by the static inspector.
type Document struct {
	Version          string                `yaml:"version"`
	Categories       map[string][]RuleSpec `yaml:"categories"`
	ForbiddenImports []string              `yaml:"forbidden_imports,omitempty"`
	ForbiddenCalls   []string              `yaml:"forbidden_calls,omitempty"`
}

// Rule is a compiled rule ready for evaluation. The When predicate, if
// present, is a CEL program over the action context.
type Rule struct {
	ID         string
	Capability model.Capability
	Target     string
	Effect     model.Effect
	Reason     string
	When       cel.Program
	WhenExpr   string
}

// Policy is the immutable rule set active for the process lifetime.
// Constructed once by Load and only ever read afterwards, so it is safe
// for unsynchronized concurrent use.
type Policy struct {
	Version          string
	Hash             string
	rules            map[model.Capability][]Rule
	forbiddenImports map[string]bool
	forbiddenCalls   map[string]bool
}

// celEnv builds the evaluation environment shared by every rule
// predicate: actor, target, and the string-valued metadata map.
func celEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("actor", cel.StringType),
		cel.Variable("target", cel.StringType),
		cel.Variable("meta", cel.MapType(cel.StringType, cel.StringType)),
	)
}

// Load reads, validates, and compiles a policy document. Loading is
// all-or-nothing: any malformed rule or missing mandatory category
// returns *Error and no Policy.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Path: path, Detail: fmt.Sprintf("read: %v", err)}
	}
	p, err := Parse(data)
	if err != nil {
		if pe, ok := err.(*Error); ok {
			pe.Path = path
		}
		return nil, err
	}
	return p, nil
}

// Parse builds a Policy from raw YAML. The policy hash is the SHA-256 of
// the raw bytes, so any textual change yields a new hash in the ledger.
func Parse(data []byte) (*Policy, error) {
	var doc Document
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, &Error{Detail: fmt.Sprintf("parse: %v", err)}
	}

	if doc.Version == "" {
		return nil, &Error{Detail: "missing version"}
	}
	for _, cap := range model.Mandatory {
		if _, ok := doc.Categories[string(cap)]; !ok {
			return nil, &Error{Detail: fmt.Sprintf("missing mandatory category %q", cap)}
		}
	}

	env, err := celEnv()
	if err != nil {
		return nil, &Error{Detail: fmt.Sprintf("cel environment: %v", err)}
	}

	p := &Policy{
		Version:          doc.Version,
		rules:            make(map[model.Capability][]Rule),
		forbiddenImports: make(map[string]bool),
		forbiddenCalls:   make(map[string]bool),
	}

	// Deterministic compile order so error reporting is stable.
	names := make([]string, 0, len(doc.Categories))
	for name := range doc.Categories {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cap, ok := model.ParseCapability(name)
		if !ok {
			return nil, &Error{Detail: fmt.Sprintf("unknown capability category %q", name)}
		}
		for i, spec := range doc.Categories[name] {
			rule, err := compileRule(env, cap, spec)
			if err != nil {
				return nil, &Error{Detail: fmt.Sprintf("category %s rule %d: %v", name, i, err)}
			}
			p.rules[cap] = append(p.rules[cap], rule)
		}
	}

	for _, imp := range doc.ForbiddenImports {
		p.forbiddenImports[imp] = true
	}
	for _, call := range doc.ForbiddenCalls {
		p.forbiddenCalls[call] = true
	}

	h := sha256.Sum256(data)
	p.Hash = "sha256:" + hex.EncodeToString(h[:])
	return p, nil
}

func compileRule(env *cel.Env, cap model.Capability, spec RuleSpec) (Rule, error) {
	if spec.ID == "" {
		return Rule{}, fmt.Errorf("missing id")
	}

	var effect model.Effect
	switch spec.Effect {
	case "allow":
		effect = model.Allow
	case "deny":
		effect = model.Deny
	default:
		return Rule{}, fmt.Errorf("invalid effect %q (want allow or deny)", spec.Effect)
	}

	rule := Rule{
		ID:         spec.ID,
		Capability: cap,
		Target:     spec.Target,
		Effect:     effect,
		Reason:     spec.Reason,
		WhenExpr:   spec.When,
	}

	if spec.When != "" {
		ast, issues := env.Compile(spec.When)
		if issues != nil && issues.Err() != nil {
			return Rule{}, fmt.Errorf("when predicate: %v", issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return Rule{}, fmt.Errorf("when predicate must be boolean, got %s", ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return Rule{}, fmt.Errorf("when predicate program: %w", err)
		}
		rule.When = prg
	}

	return rule, nil
}

// RulesFor returns the rules of one capability category. The returned
// slice must not be mutated.
func (p *Policy) RulesFor(cap model.Capability) []Rule {
	return p.rules[cap]
}

// ImportForbidden reports whether an import path is banned outright by
// the policy document.
func (p *Policy) ImportForbidden(path string) bool {
	return p.forbiddenImports[path]
}

// CallForbidden reports whether a qualified call (e.g. "os.RemoveAll")
// is banned outright by the policy document.
func (p *Policy) CallForbidden(qualified string) bool {
	return p.forbiddenCalls[qualified]
}

// Matches evaluates the rule against an action context: the target
// pattern must match and, if present, the When predicate must hold.
// A predicate evaluation error counts as no match; with the engine's
// default-deny this keeps faulty predicates from granting access.
func (r Rule) Matches(ctx model.ActionContext) bool {
	if !MatchTarget(r.Target, ctx.Target) {
		return false
	}
	if r.When == nil {
		return true
	}

	meta := ctx.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	out, _, err := r.When.Eval(map[string]any{
		"actor":  ctx.Actor,
		"target": ctx.Target,
		"meta":   meta,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// MatchTarget matches a resource against a rule target pattern.
// Pattern forms: "*x*" contains, "*x" suffix, "x*" prefix, exact
// otherwise. Empty or "*" matches everything. Case-insensitive.
func MatchTarget(pattern, resource string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}

	lr := strings.ToLower(resource)
	lp := strings.ToLower(pattern)

	if strings.HasPrefix(lp, "*") && strings.HasSuffix(lp, "*") {
		return strings.Contains(lr, lp[1:len(lp)-1])
	}
	if strings.HasPrefix(lp, "*") {
		return strings.HasSuffix(lr, lp[1:])
	}
	if strings.HasSuffix(lp, "*") {
		return strings.HasPrefix(lr, lp[:len(lp)-1])
	}
	return lr == lp
}

// Specificity ranks how precisely a target pattern matches: exact
// patterns beat prefix/suffix patterns, which beat contains patterns,
// which beat the universal match. Longer patterns win within a form.
// Used by the engine's tie-break when several rules match one context.
func (r Rule) Specificity() int {
	p := r.Target
	if p == "" || p == "*" {
		return 0
	}
	form := 3000 // exact
	if strings.HasPrefix(p, "*") && strings.HasSuffix(p, "*") {
		form = 1000
	} else if strings.HasPrefix(p, "*") || strings.HasSuffix(p, "*") {
		form = 2000
	}
	return form + len(strings.Trim(p, "*"))
}
