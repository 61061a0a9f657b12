// Package inspect statically vets worker source before any execution.
// The source is parsed, never run; every capability reference found is
// evaluated through the rule engine, and one denied finding rejects the
// artifact. Inspection is mandatory and unconditional: the lifecycle
// coordinator spawns no sandbox for source that has not passed cleanly.
package inspect

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nkarpov/gavel/internal/engine"
	"github.com/nkarpov/gavel/internal/ledger"
	"github.com/nkarpov/gavel/internal/model"
)

// Verdict is the overall inspection outcome.
type Verdict string

const (
	VerdictPass   Verdict = "pass"
	VerdictReject Verdict = "reject"
)

// Kind classifies what a finding is.
type Kind string

const (
	KindAdmission       Kind = "admission"
	KindImport          Kind = "import"
	KindCall            Kind = "call"
	KindForbiddenImport Kind = "forbidden_import"
	KindForbiddenCall   Kind = "forbidden_call"
	KindUnparseable     Kind = "unparseable"
)

// Finding is one capability reference located in the source, with the
// decision that was recorded for it.
type Finding struct {
	Pos        string           `json:"pos"`
	Kind       Kind             `json:"kind"`
	Capability model.Capability `json:"capability,omitempty"`
	Detail     string           `json:"detail"`
	Decision   model.Decision   `json:"decision"`
}

// Report is the ordered result of one inspection.
type Report struct {
	Verdict  Verdict   `json:"verdict"`
	Findings []Finding `json:"findings"`
}

// Rejected reports whether the artifact failed inspection.
func (r Report) Rejected() bool {
	return r.Verdict == VerdictReject
}

// Inspector walks worker source and gates every finding through the
// rule engine. Root is the confinement root that relative write paths
// resolve against during evaluation.
type Inspector struct {
	engine *engine.Engine
	log    *ledger.Ledger
	root   string
}

// New creates an inspector bound to an engine and its ledger.
func New(eng *engine.Engine, log *ledger.Ledger, root string) *Inspector {
	if root == "" {
		root = "/proposals"
	}
	return &Inspector{engine: eng, log: log, root: root}
}

// networkImports are stdlib packages that can open network connections.
var networkImports = map[string]bool{
	"net":           true,
	"net/http":      true,
	"net/rpc":       true,
	"net/smtp":      true,
	"net/textproto": true,
}

// spawnImports are packages that can start or replace processes.
var spawnImports = map[string]bool{
	"os/exec": true,
	"syscall": true,
	"plugin":  true,
}

// spawnCalls are qualified selectors that start processes.
var spawnCalls = map[string]bool{
	"exec.Command":        true,
	"exec.CommandContext": true,
	"os.StartProcess":     true,
	"syscall.Exec":        true,
	"syscall.ForkExec":    true,
}

// writeCalls maps filesystem-mutating selectors to the index of their
// path argument.
var writeCalls = map[string]int{
	"os.WriteFile":     0,
	"os.Create":        0,
	"os.OpenFile":      0,
	"os.Mkdir":         0,
	"os.MkdirAll":      0,
	"os.Remove":        0,
	"os.RemoveAll":     0,
	"os.Rename":        1, // destination decides confinement
	"os.Symlink":       1,
	"os.Truncate":      0,
	"os.Chmod":         0,
	"ioutil.WriteFile": 0,
}

// networkCalls maps network-capable selectors to the index of their
// destination argument, or -1 when there is none worth extracting.
var networkCalls = map[string]int{
	"http.Get":            0,
	"http.Post":           0,
	"http.PostForm":       0,
	"http.Head":           0,
	"http.NewRequest":     1,
	"net.Dial":            1,
	"net.DialTimeout":     1,
	"net.Listen":          1,
	"http.ListenAndServe": 0,
}

// Inspect parses the worker source and evaluates every capability
// reference it contains. The returned report lists findings in source
// order; the verdict is reject if any finding was denied. The only
// error is a ledger write failure, which must halt the caller.
func (ins *Inspector) Inspect(name, source, actor, proposalID string) (Report, error) {
	var report Report

	// Admission gate: the act of bringing worker code into the system
	// is itself a policed capability.
	admission, err := ins.evaluated(Finding{
		Pos:        name,
		Kind:       KindAdmission,
		Capability: model.CapAgentEntry,
		Detail:     name,
	}, actor, proposalID, name)
	if err != nil {
		return report, err
	}
	report.Findings = append(report.Findings, admission)

	fset := token.NewFileSet()
	file, perr := parser.ParseFile(fset, name, source, parser.SkipObjectResolution)
	if perr != nil {
		// Malformed source is never treated as pass: code we cannot
		// analyze is code we cannot vouch for.
		f := Finding{
			Pos:    name,
			Kind:   KindUnparseable,
			Detail: perr.Error(),
			Decision: model.Decision{
				Effect: model.Deny,
				RuleID: "inspector.unparseable",
				Reason: "source does not parse; rejected without analysis",
			},
		}
		if err := ins.record(f, actor, proposalID); err != nil {
			return report, err
		}
		report.Findings = append(report.Findings, f)
		report.Verdict = VerdictReject
		return report, nil
	}

	for _, imp := range file.Imports {
		f, err := ins.inspectImport(fset, imp, actor, proposalID)
		if err != nil {
			return report, err
		}
		if f != nil {
			report.Findings = append(report.Findings, *f)
		}
	}

	var walkErr error
	ast.Inspect(file, func(n ast.Node) bool {
		if walkErr != nil {
			return false
		}
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		f, err := ins.inspectCall(fset, call, actor, proposalID)
		if err != nil {
			walkErr = err
			return false
		}
		if f != nil {
			report.Findings = append(report.Findings, *f)
		}
		return true
	})
	if walkErr != nil {
		return report, walkErr
	}

	report.Verdict = VerdictPass
	for _, f := range report.Findings {
		if !f.Decision.Allowed() {
			report.Verdict = VerdictReject
			break
		}
	}
	return report, nil
}

func (ins *Inspector) inspectImport(fset *token.FileSet, imp *ast.ImportSpec, actor, proposalID string) (*Finding, error) {
	p, err := strconv.Unquote(imp.Path.Value)
	if err != nil {
		p = strings.Trim(imp.Path.Value, `"`)
	}
	pos := fset.Position(imp.Pos()).String()

	if ins.engine.Policy().ImportForbidden(p) {
		f := Finding{
			Pos:    pos,
			Kind:   KindForbiddenImport,
			Detail: p,
			Decision: model.Decision{
				Effect: model.Deny,
				RuleID: "constitution.forbidden_import",
				Reason: fmt.Sprintf("import %q is forbidden by policy", p),
			},
		}
		if err := ins.record(f, actor, proposalID); err != nil {
			return nil, err
		}
		return &f, nil
	}

	var capability model.Capability
	switch {
	case networkImports[p] || strings.HasPrefix(p, "golang.org/x/net/"):
		capability = model.CapExternalRequest
	case spawnImports[p]:
		capability = model.CapProcessSpawn
	default:
		return nil, nil
	}

	f, err := ins.evaluated(Finding{
		Pos:        pos,
		Kind:       KindImport,
		Capability: capability,
		Detail:     p,
	}, actor, proposalID, "import:"+p)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (ins *Inspector) inspectCall(fset *token.FileSet, call *ast.CallExpr, actor, proposalID string) (*Finding, error) {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok {
		return nil, nil
	}
	pkg, ok := sel.X.(*ast.Ident)
	if !ok {
		return nil, nil
	}
	qualified := pkg.Name + "." + sel.Sel.Name
	pos := fset.Position(call.Pos()).String()

	if ins.engine.Policy().CallForbidden(qualified) {
		f := Finding{
			Pos:    pos,
			Kind:   KindForbiddenCall,
			Detail: qualified,
			Decision: model.Decision{
				Effect: model.Deny,
				RuleID: "constitution.forbidden_call",
				Reason: fmt.Sprintf("call to %s is forbidden by policy", qualified),
			},
		}
		if err := ins.record(f, actor, proposalID); err != nil {
			return nil, err
		}
		return &f, nil
	}

	if spawnCalls[qualified] {
		f, err := ins.evaluated(Finding{
			Pos:        pos,
			Kind:       KindCall,
			Capability: model.CapProcessSpawn,
			Detail:     qualified,
		}, actor, proposalID, qualified)
		if err != nil {
			return nil, err
		}
		return &f, nil
	}

	if argIdx, ok := writeCalls[qualified]; ok {
		target, literal := stringArg(call, argIdx)
		if !literal {
			// A computed path cannot be judged statically; the
			// supervisor gates the actual write at runtime.
			return nil, nil
		}
		f, err := ins.evaluated(Finding{
			Pos:        pos,
			Kind:       KindCall,
			Capability: model.CapFilesystemWrite,
			Detail:     qualified,
		}, actor, proposalID, ins.resolvePath(target))
		if err != nil {
			return nil, err
		}
		return &f, nil
	}

	if argIdx, ok := networkCalls[qualified]; ok {
		target, literal := stringArg(call, argIdx)
		if !literal {
			target = qualified
		}
		f, err := ins.evaluated(Finding{
			Pos:        pos,
			Kind:       KindCall,
			Capability: model.CapExternalRequest,
			Detail:     qualified,
		}, actor, proposalID, target)
		if err != nil {
			return nil, err
		}
		return &f, nil
	}

	return nil, nil
}

// evaluated runs a finding's capability through the engine and attaches
// the decision.
func (ins *Inspector) evaluated(f Finding, actor, proposalID, target string) (Finding, error) {
	out, err := ins.engine.Evaluate(model.ActionContext{
		Actor:      actor,
		Capability: f.Capability,
		Target:     target,
		Metadata: map[string]string{
			"proposal_id": proposalID,
			"finding":     string(f.Kind),
			"pos":         f.Pos,
		},
	})
	if err != nil {
		return f, err
	}
	f.Decision = out.Decision
	return f, nil
}

// record writes a constitution-ban finding straight to the ledger. These
// findings carry a fixed deny rather than an engine evaluation, but they
// still leave an audit record like every other enforcement decision.
func (ins *Inspector) record(f Finding, actor, proposalID string) error {
	p := ins.engine.Policy()
	_, err := ins.log.Append(ledger.Entry{
		Kind:          ledger.KindDecision,
		Actor:         actor,
		Proposal:      proposalID,
		Capability:    string(model.CapAgentEntry),
		Target:        f.Detail,
		Metadata:      map[string]string{"finding": string(f.Kind), "pos": f.Pos},
		Effect:        string(f.Decision.Effect),
		RuleID:        f.Decision.RuleID,
		Reason:        f.Decision.Reason,
		PolicyVersion: p.Version,
		PolicyHash:    p.Hash,
	})
	if err != nil {
		return fmt.Errorf("inspect: record finding: %w", err)
	}
	return nil
}

// resolvePath maps a literal write path into evaluation space: absolute
// paths stand as written, relative paths resolve against the
// confinement root the worker would run under.
func (ins *Inspector) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(ins.root, p)
}

// stringArg extracts argument i of a call when it is a string literal.
func stringArg(call *ast.CallExpr, i int) (string, bool) {
	if i < 0 || i >= len(call.Args) {
		return "", false
	}
	lit, ok := call.Args[i].(*ast.BasicLit)
	if !ok || lit.Kind != token.STRING {
		return "", false
	}
	s, err := strconv.Unquote(lit.Value)
	if err != nil {
		return "", false
	}
	return s, true
}
