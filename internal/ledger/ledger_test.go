package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func newTestLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	return l, path
}

func testEntry(effect string) Entry {
	return Entry{
		Kind:       KindDecision,
		Actor:      "proposal:p1",
		Capability: "filesystem_write",
		Target:     "/proposals/p1/out.go",
		Effect:     effect,
		RuleID:     "fs.proposals",
		Reason:     "test reason",
		PolicyHash: "sha256:abc123",
	}
}

func TestAppendAssignsGaplessSequence(t *testing.T) {
	l, _ := newTestLedger(t)
	defer l.Close()

	for i := uint64(1); i <= 5; i++ {
		e, err := l.Append(testEntry("allow"))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if e.Seq != i {
			t.Fatalf("expected seq %d, got %d", i, e.Seq)
		}
	}
}

func TestSequentialAppendsProduceValidChain(t *testing.T) {
	l, path := newTestLedger(t)

	for i := 0; i < 5; i++ {
		if _, err := l.Append(testEntry("allow")); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	l.Close()

	res := VerifyFile(path)
	if !res.Valid {
		t.Fatalf("expected valid chain, got corrupt at %d: %s", res.CorruptAt, res.Detail)
	}
	if res.Entries != 5 {
		t.Fatalf("expected 5 entries, got %d", res.Entries)
	}
}

func TestVerifyDetectsTamperedEntry(t *testing.T) {
	l, path := newTestLedger(t)
	for i := 0; i < 3; i++ {
		if _, err := l.Append(testEntry("allow")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	l.Close()

	// Flip the decision in entry 2 after the fact.
	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	lines[1] = strings.Replace(lines[1], `"allow"`, `"denyx"`, 1)
	os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600)

	res := VerifyFile(path)
	if res.Valid {
		t.Fatal("expected tampered chain to be invalid")
	}
	if res.CorruptAt < 2 {
		t.Fatalf("expected corruption reported at seq >= 2, got %d", res.CorruptAt)
	}
}

func TestVerifyDetectsDeletedEntry(t *testing.T) {
	l, path := newTestLedger(t)
	for i := 0; i < 3; i++ {
		if _, err := l.Append(testEntry("allow")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	l.Close()

	// Remove the middle entry.
	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	out := []string{lines[0], lines[2]}
	os.WriteFile(path, []byte(strings.Join(out, "\n")+"\n"), 0600)

	res := VerifyFile(path)
	if res.Valid {
		t.Fatal("expected truncated chain to be invalid")
	}
}

func TestVerifyDetectsSingleFlippedByte(t *testing.T) {
	l, path := newTestLedger(t)
	for i := 0; i < 4; i++ {
		if _, err := l.Append(testEntry("allow")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	l.Close()

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")

	// Flip one byte inside the reason of entry 3.
	tampered := strings.Replace(lines[2], "test reason", "test reasoN", 1)
	if tampered == lines[2] {
		t.Fatal("tamper target not found")
	}
	lines[2] = tampered
	os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600)

	res := VerifyFile(path)
	if res.Valid {
		t.Fatal("expected flipped byte to break the chain")
	}
	if res.CorruptAt < 3 {
		t.Fatalf("expected corruption at seq >= 3, got %d", res.CorruptAt)
	}
}

func TestConcurrentAppendersProduceUnbrokenChain(t *testing.T) {
	l, path := newTestLedger(t)

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := l.Append(testEntry("allow")); err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	l.Close()

	res := VerifyFile(path)
	if !res.Valid {
		t.Fatalf("expected valid chain, got corrupt at %d: %s", res.CorruptAt, res.Detail)
	}
	if res.Entries != writers*perWriter {
		t.Fatalf("expected %d entries, got %d", writers*perWriter, res.Entries)
	}
	if res.LastSeq != uint64(writers*perWriter) {
		t.Fatalf("expected last seq %d, got %d", writers*perWriter, res.LastSeq)
	}
}

func TestReopenRecoversChainTail(t *testing.T) {
	l, path := newTestLedger(t)
	for i := 0; i < 3; i++ {
		if _, err := l.Append(testEntry("allow")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	l.Close()

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	e, err := l2.Append(testEntry("deny"))
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if e.Seq != 4 {
		t.Fatalf("expected seq 4 after reopen, got %d", e.Seq)
	}
	l2.Close()

	res := VerifyFile(path)
	if !res.Valid {
		t.Fatalf("expected valid chain after reopen, got corrupt at %d: %s", res.CorruptAt, res.Detail)
	}
}

func TestOpenRejectsCorruptLog(t *testing.T) {
	l, path := newTestLedger(t)
	for i := 0; i < 2; i++ {
		if _, err := l.Append(testEntry("allow")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	l.Close()

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	lines[0] = strings.Replace(lines[0], "allow", "denyy", 1)
	os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600)

	if _, err := Open(path); err == nil {
		t.Fatal("expected open to fail on corrupt log")
	}
}

func TestOpenRejectsSecondProcessHandle(t *testing.T) {
	l, path := newTestLedger(t)
	defer l.Close()

	if _, err := Open(path); err == nil {
		t.Fatal("expected second open of a held ledger to fail")
	}
}

func TestEntriesSince(t *testing.T) {
	l, _ := newTestLedger(t)
	defer l.Close()

	for i := 0; i < 5; i++ {
		if _, err := l.Append(testEntry("allow")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	entries, err := l.EntriesSince(3)
	if err != nil {
		t.Fatalf("entries since: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after seq 3, got %d", len(entries))
	}
	if entries[0].Seq != 4 || entries[1].Seq != 5 {
		t.Fatalf("expected seqs 4,5, got %d,%d", entries[0].Seq, entries[1].Seq)
	}

	all, err := l.EntriesSince(0)
	if err != nil {
		t.Fatalf("entries since 0: %v", err)
	}
	if res := Verify(all); !res.Valid {
		t.Fatalf("full export should verify: corrupt at %d: %s", res.CorruptAt, res.Detail)
	}
}

func TestEntryRoundTripPreservesHash(t *testing.T) {
	l, path := newTestLedger(t)
	e := testEntry("allow")
	e.Metadata = map[string]string{"approved": "true", "reviewer": "alice"}
	if _, err := l.Append(e); err != nil {
		t.Fatalf("append: %v", err)
	}
	l.Close()

	data, _ := os.ReadFile(path)
	var parsed Entry
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want, err := computeHash(parsed)
	if err != nil {
		t.Fatalf("compute hash: %v", err)
	}
	if parsed.EntryHash != want {
		t.Fatalf("hash not reproducible after round trip: stored %s, recomputed %s", parsed.EntryHash, want)
	}
}
