// Package proposal persists the governance record of every submitted
// proposal. The store is the durable side of the state machine: the
// lifecycle coordinator drives transitions, the store refuses the
// illegal ones even if the coordinator is buggy.
package proposal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nkarpov/gavel/internal/model"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound          = errors.New("proposal not found")
	ErrExists            = errors.New("proposal already active")
	ErrIllegalTransition = errors.New("illegal state transition")
)

// Store is a SQLite-backed proposal record.
type Store struct {
	db *sql.DB
}

// Open opens or creates the proposal database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("proposal: open %s: %w", path, err)
	}
	// The modernc driver serializes per connection; a single connection
	// avoids SQLITE_BUSY under concurrent proposals.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("proposal: migrate %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS proposals (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		submitted_by TEXT NOT NULL,
		artifact_path TEXT NOT NULL DEFAULT '',
		artifact_hash TEXT NOT NULL DEFAULT '',
		declared_outputs JSON,
		ledger_seqs JSON,
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create records a new proposal. An id already holding a non-terminal
// proposal is refused; a terminal record is replaced, so ids can be
// resubmitted once their previous run has finished.
func (s *Store) Create(ctx context.Context, p model.Proposal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("proposal: create %s: %w", p.ID, err)
	}
	defer tx.Rollback()

	var state string
	err = tx.QueryRowContext(ctx, `SELECT state FROM proposals WHERE id = ?`, p.ID).Scan(&state)
	switch {
	case err == nil:
		if !model.ProposalState(state).Terminal() {
			return fmt.Errorf("proposal: create %s: %w (state %s)", p.ID, ErrExists, state)
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("proposal: create %s: %w", p.ID, err)
	}

	outputs, _ := json.Marshal(p.DeclaredOutputs)
	seqs, _ := json.Marshal(p.LedgerSeqs)
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO proposals
			(id, state, submitted_by, artifact_path, artifact_hash, declared_outputs, ledger_seqs, failure_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, string(p.State), p.SubmittedBy, p.ArtifactPath, p.ArtifactHash,
		string(outputs), string(seqs), p.FailureReason,
		p.CreatedAt.UTC().Format(time.RFC3339Nano),
		p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("proposal: create %s: %w", p.ID, err)
	}
	return tx.Commit()
}

// Get returns one proposal by id.
func (s *Store) Get(ctx context.Context, id string) (model.Proposal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, state, submitted_by, artifact_path, artifact_hash, declared_outputs, ledger_seqs, failure_reason, created_at, updated_at
		FROM proposals WHERE id = ?`, id)
	p, err := scanProposal(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Proposal{}, fmt.Errorf("proposal: get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Proposal{}, fmt.Errorf("proposal: get %s: %w", id, err)
	}
	return p, nil
}

// UpdateState moves a proposal to a new state, refusing edges the state
// machine does not admit. The check and the write share one
// transaction, so concurrent coordinators cannot race a proposal
// through an illegal path.
func (s *Store) UpdateState(ctx context.Context, id string, to model.ProposalState, failureReason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("proposal: update %s: %w", id, err)
	}
	defer tx.Rollback()

	var from string
	err = tx.QueryRowContext(ctx, `SELECT state FROM proposals WHERE id = ?`, id).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("proposal: update %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("proposal: update %s: %w", id, err)
	}
	if !model.CanTransition(model.ProposalState(from), to) {
		return fmt.Errorf("proposal: update %s: %w: %s -> %s", id, ErrIllegalTransition, from, to)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE proposals SET state = ?, failure_reason = ?, updated_at = ? WHERE id = ?`,
		string(to), failureReason, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("proposal: update %s: %w", id, err)
	}
	return tx.Commit()
}

// AppendSeqs adds ledger sequence numbers to a proposal's evidence
// trail.
func (s *Store) AppendSeqs(ctx context.Context, id string, seqs ...uint64) error {
	if len(seqs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("proposal: append seqs %s: %w", id, err)
	}
	defer tx.Rollback()

	var raw sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT ledger_seqs FROM proposals WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("proposal: append seqs %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("proposal: append seqs %s: %w", id, err)
	}

	var existing []uint64
	if raw.Valid && raw.String != "" {
		json.Unmarshal([]byte(raw.String), &existing)
	}
	existing = append(existing, seqs...)
	updated, _ := json.Marshal(existing)

	_, err = tx.ExecContext(ctx, `
		UPDATE proposals SET ledger_seqs = ?, updated_at = ? WHERE id = ?`,
		string(updated), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("proposal: append seqs %s: %w", id, err)
	}
	return tx.Commit()
}

// List returns proposals newest first, optionally filtered by state.
// A limit of 0 means no limit.
func (s *Store) List(ctx context.Context, state model.ProposalState, limit int) ([]model.Proposal, error) {
	query := `
		SELECT id, state, submitted_by, artifact_path, artifact_hash, declared_outputs, ledger_seqs, failure_reason, created_at, updated_at
		FROM proposals`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("proposal: list: %w", err)
	}
	defer rows.Close()

	var out []model.Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("proposal: list: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("proposal: list: %w", err)
	}
	return out, nil
}

func scanProposal(scan func(dest ...any) error) (model.Proposal, error) {
	var (
		p         model.Proposal
		state     string
		outputs   sql.NullString
		seqs      sql.NullString
		createdAt string
		updatedAt string
	)
	err := scan(&p.ID, &state, &p.SubmittedBy, &p.ArtifactPath, &p.ArtifactHash,
		&outputs, &seqs, &p.FailureReason, &createdAt, &updatedAt)
	if err != nil {
		return model.Proposal{}, err
	}
	p.State = model.ProposalState(state)
	if outputs.Valid && outputs.String != "" {
		json.Unmarshal([]byte(outputs.String), &p.DeclaredOutputs)
	}
	if seqs.Valid && seqs.String != "" {
		json.Unmarshal([]byte(seqs.String), &p.LedgerSeqs)
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

func parseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
