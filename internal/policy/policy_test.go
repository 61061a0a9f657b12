package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nkarpov/gavel/internal/model"
)

const validDoc = `
version: "1"
categories:
  agent_entry:
    - id: entry.all
      target: "*"
      effect: allow
  external_request:
    - id: net.deny
      target: "*"
      effect: deny
      reason: "no network"
  filesystem_write:
    - id: fs.sandbox
      target: "/proposals/*"
      effect: allow
  code_merge:
    - id: merge.approved
      target: "*"
      effect: allow
      when: 'meta["approved"] == "true"'
`

func mustParse(t *testing.T, doc string) *Policy {
	t.Helper()
	p, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse policy: %v", err)
	}
	return p
}

func TestParseValidDocument(t *testing.T) {
	p := mustParse(t, validDoc)

	if p.Version != "1" {
		t.Fatalf("expected version 1, got %q", p.Version)
	}
	if !strings.HasPrefix(p.Hash, "sha256:") {
		t.Fatalf("expected sha256 hash, got %q", p.Hash)
	}
	if got := len(p.RulesFor(model.CapFilesystemWrite)); got != 1 {
		t.Fatalf("expected 1 filesystem_write rule, got %d", got)
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(validDoc), 0600); err != nil {
		t.Fatal(err)
	}

	p, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Version != "1" {
		t.Fatalf("expected version 1, got %q", p.Version)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing policy file")
	}
	if _, ok := err.(*Error); !ok {
		t.Fatalf("expected *policy.Error, got %T", err)
	}
}

func TestParseRejectsMissingMandatoryCategory(t *testing.T) {
	doc := `
version: "1"
categories:
  agent_entry: []
  external_request: []
  filesystem_write: []
`
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("expected error for missing code_merge category")
	} else if !strings.Contains(err.Error(), "code_merge") {
		t.Fatalf("expected error naming code_merge, got: %v", err)
	}
}

func TestParseAcceptsEmptyMandatoryCategories(t *testing.T) {
	doc := `
version: "1"
categories:
  agent_entry: []
  external_request: []
  filesystem_write: []
  code_merge: []
`
	p := mustParse(t, doc)
	if got := len(p.RulesFor(model.CapAgentEntry)); got != 0 {
		t.Fatalf("expected 0 rules, got %d", got)
	}
}

func TestParseRejectsMalformedDocument(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"bad yaml", "version: [unclosed"},
		{"missing version", "categories: {agent_entry: [], external_request: [], filesystem_write: [], code_merge: []}"},
		{"unknown category", validDoc + "\n  teleportation: []"},
		{"unknown field", "version: \"1\"\nrules: []\ncategories: {agent_entry: [], external_request: [], filesystem_write: [], code_merge: []}"},
		{"bad effect", `
version: "1"
categories:
  agent_entry:
    - id: e1
      target: "*"
      effect: maybe
  external_request: []
  filesystem_write: []
  code_merge: []
`},
		{"missing rule id", `
version: "1"
categories:
  agent_entry:
    - target: "*"
      effect: allow
  external_request: []
  filesystem_write: []
  code_merge: []
`},
		{"bad cel predicate", `
version: "1"
categories:
  agent_entry: []
  external_request: []
  filesystem_write: []
  code_merge:
    - id: m1
      target: "*"
      effect: allow
      when: 'meta[['
`},
		{"non-boolean cel predicate", `
version: "1"
categories:
  agent_entry: []
  external_request: []
  filesystem_write: []
  code_merge:
    - id: m1
      target: "*"
      effect: allow
      when: 'target'
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.doc)); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestDefaultDocumentParses(t *testing.T) {
	p := mustParse(t, DefaultDocumentYAML())
	if !p.ImportForbidden("os/exec") {
		t.Fatal("default document should forbid os/exec")
	}
	if !p.CallForbidden("os.RemoveAll") {
		t.Fatal("default document should forbid os.RemoveAll")
	}
}

func TestMatchTarget(t *testing.T) {
	cases := []struct {
		pattern, resource string
		want              bool
	}{
		{"*", "anything", true},
		{"", "anything", true},
		{"*secret*", "my-secret-file", true},
		{"*secret*", "public", false},
		{"*.go", "main.go", true},
		{"*.go", "main.py", false},
		{"/proposals/*", "/proposals/p1/out.go", true},
		{"/proposals/*", "/etc/passwd", false},
		{"/etc/passwd", "/etc/passwd", true},
		{"/etc/passwd", "/etc/shadow", false},
		{"/Proposals/*", "/proposals/p1", true}, // case-insensitive
	}
	for _, tc := range cases {
		if got := MatchTarget(tc.pattern, tc.resource); got != tc.want {
			t.Errorf("MatchTarget(%q, %q) = %v, want %v", tc.pattern, tc.resource, got, tc.want)
		}
	}
}

func TestRuleMatchesWithPredicate(t *testing.T) {
	p := mustParse(t, validDoc)
	rule := p.RulesFor(model.CapCodeMerge)[0]

	ctx := model.ActionContext{
		Actor:      "coordinator",
		Capability: model.CapCodeMerge,
		Target:     "p1",
		Metadata:   map[string]string{"approved": "true"},
	}
	if !rule.Matches(ctx) {
		t.Fatal("expected rule to match with approved=true")
	}

	ctx.Metadata = map[string]string{"approved": "false"}
	if rule.Matches(ctx) {
		t.Fatal("expected rule not to match with approved=false")
	}

	// Missing key: the CEL lookup errors, which must read as no match.
	ctx.Metadata = nil
	if rule.Matches(ctx) {
		t.Fatal("expected rule not to match with no metadata")
	}
}

func TestSpecificityOrdering(t *testing.T) {
	exact := Rule{Target: "/etc/passwd"}
	prefix := Rule{Target: "/etc/*"}
	contains := Rule{Target: "*passwd*"}
	universal := Rule{Target: "*"}

	if !(exact.Specificity() > prefix.Specificity()) {
		t.Error("exact should outrank prefix")
	}
	if !(prefix.Specificity() > contains.Specificity()) {
		t.Error("prefix should outrank contains")
	}
	if !(contains.Specificity() > universal.Specificity()) {
		t.Error("contains should outrank universal")
	}
}

func TestHashChangesWithContent(t *testing.T) {
	a := mustParse(t, validDoc)
	b := mustParse(t, validDoc+"\n# trailing comment\n")
	if a.Hash == b.Hash {
		t.Fatal("expected different hashes for different documents")
	}
}
