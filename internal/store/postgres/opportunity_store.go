package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/routegate/internal/domain"
)

// compile-time interface check
var _ domain.OpportunityStore = (*OpportunityStore)(nil)

// OpportunityStore implements domain.OpportunityStore using PostgreSQL. The
// route is stored as JSONB; big.Int money fields travel as NUMERIC strings so
// no precision is lost.
type OpportunityStore struct {
	pool *pgxpool.Pool
}

// NewOpportunityStore creates a new OpportunityStore backed by the given pool.
func NewOpportunityStore(pool *pgxpool.Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

const opportunityColumns = `id, route, amount_in, implied_price, reference_price,
	spread_bps, est_profit, est_gas, realized_profit, status, reason,
	reason_detail, strategy, source, detected_at, expires_at, settled_at`

// Create inserts a new opportunity row.
func (s *OpportunityStore) Create(ctx context.Context, opp domain.Opportunity) error {
	routeJSON, err := json.Marshal(opp.Route)
	if err != nil {
		return fmt.Errorf("postgres: marshal route: %w", err)
	}

	const query = `
		INSERT INTO opportunities
			(id, route, amount_in, implied_price, reference_price, spread_bps,
			 est_profit, est_gas, realized_profit, status, reason, reason_detail,
			 strategy, source, detected_at, expires_at, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			reason_detail = EXCLUDED.reason_detail,
			realized_profit = EXCLUDED.realized_profit,
			settled_at = EXCLUDED.settled_at,
			updated_at = NOW()`
	_, err = s.pool.Exec(ctx, query,
		opp.ID, routeJSON, numeric(opp.AmountIn), numeric(opp.ImpliedPrice),
		numeric(opp.ReferencePrice), opp.SpreadBps, numeric(opp.EstimatedProfit),
		numeric(opp.EstimatedGasCost), numeric(opp.RealizedProfit),
		string(opp.Status), string(opp.Reason), opp.ReasonDetail,
		string(opp.Strategy), opp.Source, opp.DetectedAt, opp.ExpiresAt, opp.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create opportunity %s: %w", opp.ID, err)
	}
	return nil
}

// Update persists the opportunity's mutable state.
func (s *OpportunityStore) Update(ctx context.Context, opp domain.Opportunity) error {
	const query = `
		UPDATE opportunities
		SET status = $2, reason = $3, reason_detail = $4, realized_profit = $5,
		    settled_at = $6, updated_at = NOW()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, opp.ID, string(opp.Status), string(opp.Reason),
		opp.ReasonDetail, numeric(opp.RealizedProfit), opp.SettledAt)
	if err != nil {
		return fmt.Errorf("postgres: update opportunity %s: %w", opp.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update opportunity %s: %w", opp.ID, domain.ErrNotFound)
	}
	return nil
}

// GetByID returns a single opportunity or domain.ErrNotFound.
func (s *OpportunityStore) GetByID(ctx context.Context, id string) (domain.Opportunity, error) {
	query := `SELECT ` + opportunityColumns + ` FROM opportunities WHERE id = $1`
	opp, err := scanOpportunity(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Opportunity{}, fmt.Errorf("postgres: opportunity %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Opportunity{}, fmt.Errorf("postgres: get opportunity %s: %w", id, err)
	}
	return opp, nil
}

// ListRecent returns the newest opportunities up to limit.
func (s *OpportunityStore) ListRecent(ctx context.Context, limit int) ([]domain.Opportunity, error) {
	query := `SELECT ` + opportunityColumns + `
		FROM opportunities ORDER BY detected_at DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent opportunities: %w", err)
	}
	defer rows.Close()
	return collectOpportunities(rows)
}

// ListTerminalBefore returns settled/rejected/expired opportunities detected
// before the cutoff, oldest first. Used by the archiver.
func (s *OpportunityStore) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Opportunity, error) {
	query := `SELECT ` + opportunityColumns + `
		FROM opportunities
		WHERE status IN ('settled', 'rejected', 'expired') AND detected_at < $1
		ORDER BY detected_at ASC
		LIMIT $2`
	rows, err := s.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal opportunities: %w", err)
	}
	defer rows.Close()
	return collectOpportunities(rows)
}

// DeleteByIDs removes archived rows and reports how many were deleted.
func (s *OpportunityStore) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM opportunities WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete opportunities: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectOpportunities(rows pgx.Rows) ([]domain.Opportunity, error) {
	var out []domain.Opportunity
	for rows.Next() {
		opp, err := scanOpportunity(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan opportunity: %w", err)
		}
		out = append(out, opp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: opportunity rows: %w", err)
	}
	return out, nil
}

func scanOpportunity(row pgx.Row) (domain.Opportunity, error) {
	var (
		opp            domain.Opportunity
		routeJSON      []byte
		amountIn       *string
		implied        *string
		reference      *string
		estProfit      *string
		estGas         *string
		realizedProfit *string
		status         string
		reason         string
		strategy       string
	)
	err := row.Scan(&opp.ID, &routeJSON, &amountIn, &implied, &reference,
		&opp.SpreadBps, &estProfit, &estGas, &realizedProfit, &status, &reason,
		&opp.ReasonDetail, &strategy, &opp.Source, &opp.DetectedAt,
		&opp.ExpiresAt, &opp.SettledAt)
	if err != nil {
		return domain.Opportunity{}, err
	}

	if err := json.Unmarshal(routeJSON, &opp.Route); err != nil {
		return domain.Opportunity{}, fmt.Errorf("unmarshal route: %w", err)
	}
	opp.AmountIn = parseNumeric(amountIn)
	opp.ImpliedPrice = parseNumeric(implied)
	opp.ReferencePrice = parseNumeric(reference)
	opp.EstimatedProfit = parseNumeric(estProfit)
	opp.EstimatedGasCost = parseNumeric(estGas)
	opp.RealizedProfit = parseNumeric(realizedProfit)
	opp.Status = domain.OpportunityStatus(status)
	opp.Reason = domain.RejectReason(reason)
	opp.Strategy = domain.ExecutionStrategy(strategy)
	return opp, nil
}

// numeric converts a big.Int to its NUMERIC wire form, nil staying NULL.
func numeric(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func parseNumeric(s *string) *big.Int {
	if s == nil {
		return nil
	}
	v, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		return nil
	}
	return v
}
