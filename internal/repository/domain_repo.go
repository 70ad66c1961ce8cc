package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pagemill/certd/internal/domain"
)

// DomainRepository implements domain.Repository using PostgreSQL
type DomainRepository struct {
	pool *pgxpool.Pool
}

// NewDomainRepository creates a new DomainRepository instance
func NewDomainRepository(pool *pgxpool.Pool) *DomainRepository {
	return &DomainRepository{pool: pool}
}

const domainColumns = `
	id, project_id, domain_name, verification_token,
	verified, verified_at, ssl_mode, force_https,
	created_at, updated_at
`

func scanDomain(row pgx.Row) (*domain.Domain, error) {
	d := &domain.Domain{}
	err := row.Scan(
		&d.ID,
		&d.ProjectID,
		&d.DomainName,
		&d.VerificationToken,
		&d.Verified,
		&d.VerifiedAt,
		&d.SSLMode,
		&d.ForceHTTPS,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Create inserts a new domain into the database
func (r *DomainRepository) Create(ctx context.Context, d *domain.Domain) error {
	query := `
		INSERT INTO domains (id, project_id, domain_name, verification_token, verified, ssl_mode, force_https, created_at, updated_at)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7, $8, $8)
		RETURNING created_at, updated_at
	`

	now := time.Now().UTC()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}

	err := r.pool.QueryRow(ctx, query,
		d.ID,
		d.ProjectID,
		d.DomainName,
		d.VerificationToken,
		d.Verified,
		d.SSLMode,
		d.ForceHTTPS,
		now,
	).Scan(&d.CreatedAt, &d.UpdatedAt)

	if err != nil {
		// Unique constraint violation: domain already registered
		if strings.Contains(err.Error(), "idx_domains_name") {
			return domain.ErrDomainExists
		}
		return fmt.Errorf("failed to create domain: %w", err)
	}

	return nil
}

// GetByID retrieves a domain by its ID
func (r *DomainRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE id = $1`

	d, err := scanDomain(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDomainNotFound
		}
		return nil, fmt.Errorf("failed to get domain by ID: %w", err)
	}

	return d, nil
}

// GetByName retrieves a domain by its name (case-insensitive)
func (r *DomainRepository) GetByName(ctx context.Context, name string) (*domain.Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE LOWER(domain_name) = LOWER($1)`

	d, err := scanDomain(r.pool.QueryRow(ctx, query, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDomainNotFound
		}
		return nil, fmt.Errorf("failed to get domain by name: %w", err)
	}

	return d, nil
}

// ListByProject retrieves all domains owned by a project, newest first
func (r *DomainRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]domain.Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE project_id = $1 ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query domains: %w", err)
	}
	defer rows.Close()

	var domains []domain.Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan domain: %w", err)
		}
		domains = append(domains, *d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating domains: %w", err)
	}

	return domains, nil
}

// Update updates an existing domain
func (r *DomainRepository) Update(ctx context.Context, d *domain.Domain) error {
	query := `
		UPDATE domains
		SET
			verification_token = $1,
			verified = $2,
			verified_at = $3,
			ssl_mode = $4,
			force_https = $5,
			updated_at = $6
		WHERE id = $7
	`

	now := time.Now().UTC()
	result, err := r.pool.Exec(ctx, query,
		d.VerificationToken,
		d.Verified,
		d.VerifiedAt,
		d.SSLMode,
		d.ForceHTTPS,
		now,
		d.ID,
	)

	if err != nil {
		return fmt.Errorf("failed to update domain: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.ErrDomainNotFound
	}

	d.UpdatedAt = now
	return nil
}

// Delete deletes a domain. Browser rules and the throttle config go with it
// via ON DELETE CASCADE; certificates are purged by the caller beforehand.
func (r *DomainRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, "DELETE FROM domains WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete domain: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.ErrDomainNotFound
	}

	return nil
}

// CreateRule appends a browser rule at the end of the domain's rule list
func (r *DomainRepository) CreateRule(ctx context.Context, rule *domain.BrowserRule) error {
	query := `
		INSERT INTO domain_browser_rules (id, domain_id, pattern, action, position, created_at)
		VALUES (
			$1, $2, $3, $4,
			COALESCE((SELECT MAX(position) FROM domain_browser_rules WHERE domain_id = $2), 0) + 1,
			$5
		)
		RETURNING position, created_at
	`

	now := time.Now().UTC()
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}

	err := r.pool.QueryRow(ctx, query,
		rule.ID,
		rule.DomainID,
		rule.Pattern,
		rule.Action,
		now,
	).Scan(&rule.Position, &rule.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create browser rule: %w", err)
	}

	return nil
}

// ListRules retrieves a domain's browser rules in evaluation order
func (r *DomainRepository) ListRules(ctx context.Context, domainID uuid.UUID) ([]domain.BrowserRule, error) {
	query := `
		SELECT id, domain_id, pattern, action, position, created_at
		FROM domain_browser_rules
		WHERE domain_id = $1
		ORDER BY position ASC
	`

	rows, err := r.pool.Query(ctx, query, domainID)
	if err != nil {
		return nil, fmt.Errorf("failed to query browser rules: %w", err)
	}
	defer rows.Close()

	var rules []domain.BrowserRule
	for rows.Next() {
		var rule domain.BrowserRule
		err := rows.Scan(
			&rule.ID,
			&rule.DomainID,
			&rule.Pattern,
			&rule.Action,
			&rule.Position,
			&rule.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan browser rule: %w", err)
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating browser rules: %w", err)
	}

	return rules, nil
}

// DeleteRule removes a browser rule belonging to the given domain
func (r *DomainRepository) DeleteRule(ctx context.Context, domainID, ruleID uuid.UUID) error {
	query := `DELETE FROM domain_browser_rules WHERE id = $1 AND domain_id = $2`

	result, err := r.pool.Exec(ctx, query, ruleID, domainID)
	if err != nil {
		return fmt.Errorf("failed to delete browser rule: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.ErrRuleNotFound
	}

	return nil
}

// UpsertThrottle replaces a domain's throttle configuration as a unit
func (r *DomainRepository) UpsertThrottle(ctx context.Context, cfg *domain.ThrottleConfig) error {
	query := `
		INSERT INTO domain_throttle_configs (domain_id, enabled, requests_per_second, burst, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (domain_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			requests_per_second = EXCLUDED.requests_per_second,
			burst = EXCLUDED.burst,
			updated_at = EXCLUDED.updated_at
	`

	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, query,
		cfg.DomainID,
		cfg.Enabled,
		cfg.RequestsPerSecond,
		cfg.Burst,
		now,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert throttle config: %w", err)
	}

	cfg.UpdatedAt = now
	return nil
}

// GetThrottle retrieves a domain's throttle configuration
func (r *DomainRepository) GetThrottle(ctx context.Context, domainID uuid.UUID) (*domain.ThrottleConfig, error) {
	query := `
		SELECT domain_id, enabled, requests_per_second, burst, updated_at
		FROM domain_throttle_configs
		WHERE domain_id = $1
	`

	cfg := &domain.ThrottleConfig{}
	err := r.pool.QueryRow(ctx, query, domainID).Scan(
		&cfg.DomainID,
		&cfg.Enabled,
		&cfg.RequestsPerSecond,
		&cfg.Burst,
		&cfg.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrThrottleNotFound
		}
		return nil, fmt.Errorf("failed to get throttle config: %w", err)
	}

	return cfg, nil
}

// Ensure DomainRepository implements domain.Repository interface
var _ domain.Repository = (*DomainRepository)(nil)
