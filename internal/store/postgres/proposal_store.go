package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/routegate/internal/domain"
)

// compile-time interface check
var _ domain.ProposalStore = (*ProposalStore)(nil)

// ProposalStore implements domain.ProposalStore using PostgreSQL. Proposals
// are never deleted; terminal rows stay behind for audit.
type ProposalStore struct {
	pool *pgxpool.Pool
}

// NewProposalStore creates a new ProposalStore backed by the given pool.
func NewProposalStore(pool *pgxpool.Pool) *ProposalStore {
	return &ProposalStore{pool: pool}
}

const proposalColumns = `id, target, payload, description, proposed_by,
	execute_after, executed, cancelled, created_at, executed_at, cancelled_at`

// Create inserts a new proposal row.
func (s *ProposalStore) Create(ctx context.Context, p domain.Proposal) error {
	const query = `
		INSERT INTO proposals
			(id, target, payload, description, proposed_by, execute_after,
			 executed, cancelled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.pool.Exec(ctx, query,
		p.ID, string(p.Target), []byte(p.Payload), p.Description, p.ProposedBy,
		p.ExecuteAfter, p.Executed, p.Cancelled, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create proposal %s: %w", p.ID, err)
	}
	return nil
}

// Update persists the proposal's mutable state (executed/cancelled flags and
// their timestamps).
func (s *ProposalStore) Update(ctx context.Context, p domain.Proposal) error {
	const query = `
		UPDATE proposals
		SET executed = $2, cancelled = $3, executed_at = $4, cancelled_at = $5,
		    updated_at = NOW()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, p.ID, p.Executed, p.Cancelled, p.ExecutedAt, p.CancelledAt)
	if err != nil {
		return fmt.Errorf("postgres: update proposal %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update proposal %s: %w", p.ID, domain.ErrProposalNotFound)
	}
	return nil
}

// GetByID returns a single proposal or domain.ErrProposalNotFound.
func (s *ProposalStore) GetByID(ctx context.Context, id string) (domain.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE id = $1`
	p, err := scanProposal(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Proposal{}, fmt.Errorf("postgres: proposal %s: %w", id, domain.ErrProposalNotFound)
	}
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("postgres: get proposal %s: %w", id, err)
	}
	return p, nil
}

// ListPending returns all proposals that are neither executed nor cancelled,
// oldest first. Used to rehydrate the in-memory queue at startup.
func (s *ProposalStore) ListPending(ctx context.Context) ([]domain.Proposal, error) {
	query := `SELECT ` + proposalColumns + `
		FROM proposals
		WHERE NOT executed AND NOT cancelled
		ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending proposals: %w", err)
	}
	defer rows.Close()
	return collectProposals(rows)
}

// List returns proposals with pagination and optional time filtering, newest
// first.
func (s *ProposalStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list proposals: %w", err)
	}
	defer rows.Close()
	return collectProposals(rows)
}

func collectProposals(rows pgx.Rows) ([]domain.Proposal, error) {
	var out []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan proposal: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: proposal rows: %w", err)
	}
	return out, nil
}

func scanProposal(row pgx.Row) (domain.Proposal, error) {
	var p domain.Proposal
	var target string
	var payload []byte
	err := row.Scan(&p.ID, &target, &payload, &p.Description, &p.ProposedBy,
		&p.ExecuteAfter, &p.Executed, &p.Cancelled, &p.CreatedAt,
		&p.ExecutedAt, &p.CancelledAt)
	if err != nil {
		return domain.Proposal{}, err
	}
	p.Target = domain.ProposalTarget(target)
	p.Payload = payload
	return p, nil
}
