package policy

// DefaultDocumentYAML returns a commented starter policy for init-policy.
// The engine denies anything no rule matches, so allow rules carve out
// the permitted surface and explicit deny rules exist to carry reasons.
func DefaultDocumentYAML() string {
	return `# gavel policy document
# Generated by: gavel init-policy
#
# Loading is all-or-nothing: a malformed rule or a missing mandatory
# category (external_request, filesystem_write, code_merge, agent_entry)
# aborts startup. The document is immutable for the process lifetime;
# edit it and restart to activate a new version.
#
# Rule fields:
#   id:     stable identifier, recorded in every ledger entry it decides
#   target: glob pattern (*x* contains, x* prefix, *x suffix, exact)
#   effect: allow | deny
#   when:   optional CEL predicate over actor, target, meta
#   reason: human-readable explanation surfaced on every decision
#
# When several rules match, the most specific target wins; on an exact
# tie, deny wins. A context no rule matches is denied (fail-closed).
version: "1"

categories:
  agent_entry:
    - id: entry.workers
      target: "*"
      effect: allow
      reason: "worker source admission is gated by inspection findings"

  external_request:
    - id: net.deny_all
      target: "*"
      effect: deny
      reason: "workers may not reach the network"

  filesystem_write:
    - id: fs.confinement
      target: "/proposals/*"
      effect: allow
      reason: "writes are confined to the proposal sandbox"
    - id: fs.deny_all
      target: "*"
      effect: deny
      reason: "write outside the confinement root"

  code_merge:
    - id: merge.approved
      target: "*"
      effect: allow
      when: 'meta["approved"] == "true"'
      reason: "merge permitted after explicit human approval"

  process_spawn:
    - id: spawn.deny_all
      target: "*"
      effect: deny
      reason: "workers may not spawn processes"

# Constitution-style bans enforced by the static inspector before any
# execution. Imports are package paths; calls are qualified selectors.
forbidden_imports:
  - os/exec
  - net
  - net/http
  - syscall
  - plugin
  - unsafe

forbidden_calls:
  - os.RemoveAll
  - os.Chmod
  - os.Setenv
`
}
