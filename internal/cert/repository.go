package cert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// activeIndexName is the partial unique index enforcing at most one active
// certificate per domain. Inserts racing past the application-level check
// fail on it.
const activeIndexName = "idx_domain_certificates_active"

const certificateColumns = `
	id, domain_id, domain_name, status, challenge_type,
	encrypted_key_pem, csr_pem, certificate_pem, chain_pem,
	acme_order_url, acme_authz_url, acme_challenge_url,
	http_token, http_key_auth, dns_txt_name, dns_txt_value,
	issued_at, expires_at, last_error, renewal_attempts,
	created_at, updated_at`

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository instance.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func scanCertificate(row pgx.Row) (*DomainCertificate, error) {
	cert := &DomainCertificate{}
	err := row.Scan(
		&cert.ID,
		&cert.DomainID,
		&cert.DomainName,
		&cert.Status,
		&cert.ChallengeType,
		&cert.EncryptedKeyPEM,
		&cert.CSRPEM,
		&cert.CertificatePEM,
		&cert.ChainPEM,
		&cert.AcmeOrderURL,
		&cert.AcmeAuthzURL,
		&cert.AcmeChallengeURL,
		&cert.HTTPToken,
		&cert.HTTPKeyAuth,
		&cert.DNSTxtName,
		&cert.DNSTxtValue,
		&cert.IssuedAt,
		&cert.ExpiresAt,
		&cert.LastError,
		&cert.RenewalAttempts,
		&cert.CreatedAt,
		&cert.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return cert, nil
}

// Create inserts a new certificate row. The partial unique index on
// (domain_id) over active statuses makes this the atomic check-and-insert
// that keeps concurrent issuance requests from both succeeding.
func (r *PostgresRepository) Create(ctx context.Context, cert *DomainCertificate) error {
	if !cert.Status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, cert.Status)
	}

	query := `
		INSERT INTO domain_certificates (
			id, domain_id, domain_name, status, challenge_type,
			encrypted_key_pem, csr_pem, certificate_pem, chain_pem,
			acme_order_url, acme_authz_url, acme_challenge_url,
			http_token, http_key_auth, dns_txt_name, dns_txt_value,
			issued_at, expires_at, last_error, renewal_attempts,
			created_at, updated_at
		)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21, $21)
		RETURNING created_at, updated_at
	`

	now := time.Now().UTC()
	if cert.ID == uuid.Nil {
		cert.ID = uuid.New()
	}

	err := r.pool.QueryRow(ctx, query,
		cert.ID,
		cert.DomainID,
		cert.DomainName,
		cert.Status,
		cert.ChallengeType,
		cert.EncryptedKeyPEM,
		cert.CSRPEM,
		cert.CertificatePEM,
		cert.ChainPEM,
		cert.AcmeOrderURL,
		cert.AcmeAuthzURL,
		cert.AcmeChallengeURL,
		cert.HTTPToken,
		cert.HTTPKeyAuth,
		cert.DNSTxtName,
		cert.DNSTxtValue,
		cert.IssuedAt,
		cert.ExpiresAt,
		cert.LastError,
		cert.RenewalAttempts,
		now,
	).Scan(&cert.CreatedAt, &cert.UpdatedAt)

	if err != nil {
		if strings.Contains(err.Error(), activeIndexName) {
			return ErrActiveCertificateExists
		}
		return fmt.Errorf("failed to create certificate: %w", err)
	}

	return nil
}

// GetByID retrieves a certificate by its ID.
func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*DomainCertificate, error) {
	query := `SELECT ` + certificateColumns + ` FROM domain_certificates WHERE id = $1`

	cert, err := scanCertificate(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCertificateNotFound
		}
		return nil, fmt.Errorf("failed to get certificate by ID: %w", err)
	}
	return cert, nil
}

// GetActiveByDomainID retrieves the domain's certificate in an active
// status, if any.
func (r *PostgresRepository) GetActiveByDomainID(ctx context.Context, domainID uuid.UUID) (*DomainCertificate, error) {
	query := `
		SELECT ` + certificateColumns + `
		FROM domain_certificates
		WHERE domain_id = $1
		  AND status IN ('pending_http01', 'pending_dns01', 'issued')
	`

	cert, err := scanCertificate(r.pool.QueryRow(ctx, query, domainID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCertificateNotFound
		}
		return nil, fmt.Errorf("failed to get active certificate: %w", err)
	}
	return cert, nil
}

// ListByDomainID returns all certificate attempts for a domain, newest first.
func (r *PostgresRepository) ListByDomainID(ctx context.Context, domainID uuid.UUID) ([]DomainCertificate, error) {
	query := `
		SELECT ` + certificateColumns + `
		FROM domain_certificates
		WHERE domain_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, domainID)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}
	defer rows.Close()

	var certs []DomainCertificate
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan certificate: %w", err)
		}
		certs = append(certs, *cert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating certificates: %w", err)
	}

	return certs, nil
}

// Update updates an existing certificate.
func (r *PostgresRepository) Update(ctx context.Context, cert *DomainCertificate) error {
	if !cert.Status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, cert.Status)
	}

	query := `
		UPDATE domain_certificates
		SET
			status = $1,
			encrypted_key_pem = $2,
			csr_pem = $3,
			certificate_pem = $4,
			chain_pem = $5,
			acme_order_url = $6,
			acme_authz_url = $7,
			acme_challenge_url = $8,
			http_token = $9,
			http_key_auth = $10,
			dns_txt_name = $11,
			dns_txt_value = $12,
			issued_at = $13,
			expires_at = $14,
			last_error = $15,
			renewal_attempts = $16,
			updated_at = $17
		WHERE id = $18
	`

	now := time.Now().UTC()
	result, err := r.pool.Exec(ctx, query,
		cert.Status,
		cert.EncryptedKeyPEM,
		cert.CSRPEM,
		cert.CertificatePEM,
		cert.ChainPEM,
		cert.AcmeOrderURL,
		cert.AcmeAuthzURL,
		cert.AcmeChallengeURL,
		cert.HTTPToken,
		cert.HTTPKeyAuth,
		cert.DNSTxtName,
		cert.DNSTxtValue,
		cert.IssuedAt,
		cert.ExpiresAt,
		cert.LastError,
		cert.RenewalAttempts,
		now,
		cert.ID,
	)

	if err != nil {
		if strings.Contains(err.Error(), activeIndexName) {
			return ErrActiveCertificateExists
		}
		return fmt.Errorf("failed to update certificate: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrCertificateNotFound
	}

	cert.UpdatedAt = now
	return nil
}

// DeleteByDomainID removes every certificate row for a domain.
func (r *PostgresRepository) DeleteByDomainID(ctx context.Context, domainID uuid.UUID) (int, error) {
	query := `DELETE FROM domain_certificates WHERE domain_id = $1`

	result, err := r.pool.Exec(ctx, query, domainID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete certificates: %w", err)
	}

	return int(result.RowsAffected()), nil
}

// GetPendingHTTPKeyAuth resolves an HTTP-01 token to its key authorization.
func (r *PostgresRepository) GetPendingHTTPKeyAuth(ctx context.Context, token string) (string, error) {
	query := `
		SELECT http_key_auth
		FROM domain_certificates
		WHERE http_token = $1
		  AND status IN ('pending_http01', 'issued')
		  AND http_key_auth IS NOT NULL
		ORDER BY updated_at DESC
		LIMIT 1
	`

	var keyAuth string
	err := r.pool.QueryRow(ctx, query, token).Scan(&keyAuth)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrCertificateNotFound
		}
		return "", fmt.Errorf("failed to resolve challenge token: %w", err)
	}

	return keyAuth, nil
}

// MarkExpired flips issued certificates past their expiry to expired.
func (r *PostgresRepository) MarkExpired(ctx context.Context, now time.Time) (int, error) {
	query := `
		UPDATE domain_certificates
		SET status = 'expired', updated_at = $1
		WHERE status = 'issued'
		  AND expires_at IS NOT NULL
		  AND expires_at <= $1
	`

	result, err := r.pool.Exec(ctx, query, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to mark expired certificates: %w", err)
	}

	return int(result.RowsAffected()), nil
}

// ListExpiring returns issued certificates expiring within the window,
// soonest first.
func (r *PostgresRepository) ListExpiring(ctx context.Context, within time.Duration) ([]DomainCertificate, error) {
	query := `
		SELECT ` + certificateColumns + `
		FROM domain_certificates
		WHERE status = 'issued'
		  AND expires_at IS NOT NULL
		  AND expires_at <= $1
		ORDER BY expires_at ASC
	`

	rows, err := r.pool.Query(ctx, query, time.Now().UTC().Add(within))
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring certificates: %w", err)
	}
	defer rows.Close()

	var certs []DomainCertificate
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan certificate: %w", err)
		}
		certs = append(certs, *cert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating certificates: %w", err)
	}

	return certs, nil
}

// Ensure PostgresRepository implements Repository interface
var _ Repository = (*PostgresRepository)(nil)
