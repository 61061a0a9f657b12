package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// ErrWriteFailure wraps any storage fault during an append. Once an
// append fails the ledger refuses all further writes: an unrecorded
// decision is worse than a stalled one, so callers must treat this as
// fatal and stop accepting new decisions.
var ErrWriteFailure = fmt.Errorf("ledger: write failure")

// Ledger is an append-only hash-chained JSONL log with a single
// dedicated writer goroutine. Sequence numbers are strictly increasing
// and gapless; entries are fsynced before Append returns, so the record
// is durable before the caller acts on the decision it covers.
type Ledger struct {
	path string
	file *os.File
	lock *os.File

	reqs      chan appendReq
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the writer goroutine after Open returns.
	nextSeq  uint64
	prevHash string
	failed   error
}

type appendReq struct {
	entry Entry
	reply chan appendResult
}

type appendResult struct {
	entry Entry
	err   error
}

// Open opens (or creates) a ledger file, replays it to recover the chain
// tail, and starts the writer goroutine. A second process opening the
// same ledger fails: the chain has exactly one append point.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("ledger: create directory: %w", err)
	}

	lock, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("ledger: open lock file: %w", err)
	}
	if err := syscall.Flock(int(lock.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		lock.Close()
		return nil, fmt.Errorf("ledger: %s is held by another process: %w", path, err)
	}

	nextSeq := uint64(1)
	prevHash := GenesisHash

	// Sequential replay recovers the tail and proves the chain on disk
	// is intact before anything new is chained onto it.
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		res := VerifyFile(path)
		if !res.Valid {
			lock.Close()
			return nil, fmt.Errorf("ledger: existing log corrupt at seq %d: %s", res.CorruptAt, res.Detail)
		}
		nextSeq = res.LastSeq + 1
		prevHash = res.LastHash
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		lock.Close()
		return nil, fmt.Errorf("ledger: open file: %w", err)
	}

	l := &Ledger{
		path:     path,
		file:     file,
		lock:     lock,
		reqs:     make(chan appendReq),
		done:     make(chan struct{}),
		nextSeq:  nextSeq,
		prevHash: prevHash,
	}
	go l.writer()
	return l, nil
}

// Append chains an entry onto the ledger and blocks until it is durable.
// Seq, Timestamp, PrevHash, and EntryHash are assigned by the writer; the
// completed entry is returned so callers can reference its sequence
// number. Returns ErrWriteFailure (wrapped) if storage is unavailable.
func (l *Ledger) Append(e Entry) (Entry, error) {
	reply := make(chan appendResult, 1)
	select {
	case l.reqs <- appendReq{entry: e, reply: reply}:
	case <-l.done:
		return Entry{}, fmt.Errorf("%w: ledger closed", ErrWriteFailure)
	}
	select {
	case res := <-reply:
		return res.entry, res.err
	case <-l.done:
		return Entry{}, fmt.Errorf("%w: ledger closed", ErrWriteFailure)
	}
}

// writer is the single append point. All chaining state lives here;
// concurrent callers coordinate through the request channel rather than
// shared mutable state.
func (l *Ledger) writer() {
	for {
		select {
		case req := <-l.reqs:
			entry, err := l.append(req.entry)
			req.reply <- appendResult{entry: entry, err: err}
		case <-l.done:
			return
		}
	}
}

func (l *Ledger) append(e Entry) (Entry, error) {
	// Once poisoned, every later append reports the first fault.
	if l.failed != nil {
		return Entry{}, l.failed
	}

	e.Seq = l.nextSeq
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	e.PrevHash = l.prevHash

	hash, err := computeHash(e)
	if err != nil {
		return Entry{}, l.poison(fmt.Errorf("%w: marshal entry: %v", ErrWriteFailure, err))
	}
	e.EntryHash = hash

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, l.poison(fmt.Errorf("%w: marshal entry: %v", ErrWriteFailure, err))
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return Entry{}, l.poison(fmt.Errorf("%w: write: %v", ErrWriteFailure, err))
	}
	if err := l.file.Sync(); err != nil {
		return Entry{}, l.poison(fmt.Errorf("%w: sync: %v", ErrWriteFailure, err))
	}

	l.nextSeq++
	l.prevHash = e.EntryHash
	return e, nil
}

func (l *Ledger) poison(err error) error {
	l.failed = err
	return err
}

// Close stops the writer and releases the file and lock. Appends in
// flight or issued after Close fail with ErrWriteFailure.
func (l *Ledger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.file.Close()
		l.lock.Close()
		os.Remove(l.path + ".lock")
	})
	return err
}

// EntriesSince returns all entries with sequence numbers strictly
// greater than since, in append order. since == 0 returns the full log.
func (l *Ledger) EntriesSince(since uint64) ([]Entry, error) {
	return ReadSince(l.path, since)
}

// ReadSince reads a ledger file and returns entries with Seq > since.
// It does not verify the chain; pair with Verify for audit export.
func ReadSince(path string, since uint64) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("ledger: parse entry: %w", err)
		}
		if e.Seq > since {
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ledger: scan: %w", err)
	}
	return entries, nil
}
