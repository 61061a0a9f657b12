package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// VerifyResult reports the outcome of a hash chain verification.
// When the chain is broken, CorruptAt is the sequence number of the
// first entry that fails verification.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Entries   int    `json:"entries"`
	CorruptAt uint64 `json:"corrupt_at,omitempty"`
	Detail    string `json:"detail,omitempty"`
	LastSeq   uint64 `json:"last_seq,omitempty"`
	LastHash  string `json:"last_hash,omitempty"`
}

// Verify walks an exported entry sequence and validates it as a single
// strictly increasing, gapless, unbroken hash chain. It is independent
// of the Ledger type so auditors can verify an export on its own.
func Verify(entries []Entry) VerifyResult {
	prevHash := GenesisHash
	var prevSeq uint64

	for i, e := range entries {
		if e.Seq != prevSeq+1 {
			return corrupt(e.Seq, fmt.Sprintf("sequence gap: entry %d has seq %d, expected %d", i+1, e.Seq, prevSeq+1))
		}
		if e.PrevHash != prevHash {
			return corrupt(e.Seq, fmt.Sprintf("prev_hash mismatch at seq %d: expected %s, got %s", e.Seq, prevHash, e.PrevHash))
		}
		want, err := computeHash(e)
		if err != nil {
			return corrupt(e.Seq, fmt.Sprintf("hash entry at seq %d: %v", e.Seq, err))
		}
		if e.EntryHash != want {
			return corrupt(e.Seq, fmt.Sprintf("entry_hash mismatch at seq %d: expected %s, got %s", e.Seq, want, e.EntryHash))
		}
		prevHash = e.EntryHash
		prevSeq = e.Seq
	}

	return VerifyResult{
		Valid:    true,
		Entries:  len(entries),
		LastSeq:  prevSeq,
		LastHash: prevHash,
	}
}

// VerifyFile reads a JSONL ledger file and validates the full chain.
// A line that fails to parse is reported as corrupt at the sequence
// number it should carry, since tampering can destroy the JSON itself.
func VerifyFile(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Detail: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	var entries []Entry
	var lineNum uint64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNum++
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return corrupt(lineNum, fmt.Sprintf("parse line %d: %v", lineNum, err))
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return VerifyResult{Detail: fmt.Sprintf("scan: %v", err)}
	}

	return Verify(entries)
}

func corrupt(seq uint64, detail string) VerifyResult {
	return VerifyResult{CorruptAt: seq, Detail: detail}
}
