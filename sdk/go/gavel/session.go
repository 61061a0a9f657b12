package gavel

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Supervisor-provided descriptors: 3 carries intents out, 4 carries
// verdicts back.
const (
	intentFD  = 3
	verdictFD = 4
)

// Session is a connection to the supervising process. Safe for
// concurrent use; requests are serialized because the wire protocol is
// strictly request/reply.
type Session struct {
	mu  sync.Mutex
	enc *json.Encoder
	dec *json.Decoder
}

// Connect attaches to the supervisor over the inherited descriptors.
// Fails when the process is not running under a gavel supervisor.
func Connect() (*Session, error) {
	intent := os.NewFile(intentFD, "gavel-intent")
	verdict := os.NewFile(verdictFD, "gavel-verdict")
	if intent == nil || verdict == nil {
		return nil, fmt.Errorf("gavel: supervisor descriptors not present")
	}
	return &Session{
		enc: json.NewEncoder(intent),
		dec: json.NewDecoder(bufio.NewReader(verdict)),
	}, nil
}

// Request declares one side-effecting intent and blocks for the
// verdict. A nil return means the action is permitted and may be
// performed now. A *DeniedError means it was refused; the supervisor
// terminates the process immediately after delivering the verdict.
func (s *Session) Request(capability, target string, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in := Intent{Capability: capability, Target: target, Meta: meta}
	if err := s.enc.Encode(in); err != nil {
		return fmt.Errorf("gavel: send intent: %w", err)
	}

	var v Verdict
	if err := s.dec.Decode(&v); err != nil {
		return fmt.Errorf("gavel: read verdict: %w", err)
	}
	if !v.Allow {
		return &DeniedError{Intent: in, RuleID: v.RuleID, Reason: v.Reason}
	}
	return nil
}
