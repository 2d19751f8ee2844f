package poll

import (
	"context"
	"database/sql"
	"time"

	"github.com/fiberhive/oltpoll/errors"
)

// OLTStore handles persistence of OLT devices
type OLTStore struct {
	db *sql.DB
}

// NewOLTStore creates a new OLT store
func NewOLTStore(db *sql.DB) *OLTStore {
	return &OLTStore{db: db}
}

const oltColumns = `id, name, host, snmp_port, snmp_community, snmp_version,
	       vendor, model, enabled, consecutive_failure_count, created_at, updated_at`

// Create inserts a new OLT row.
func (s *OLTStore) Create(ctx context.Context, olt *OLT) error {
	if olt.Host == "" {
		return errors.NewInvalidRequestError("olt host is required")
	}
	if olt.SNMPPort == 0 {
		olt.SNMPPort = 161
	}
	if olt.SNMPCommunity == "" {
		olt.SNMPCommunity = "public"
	}
	if olt.SNMPVersion == "" {
		olt.SNMPVersion = "2c"
	}

	now := time.Now().UTC()
	olt.CreatedAt = now
	olt.UpdatedAt = now

	query := `
		INSERT INTO olts (
			id, name, host, snmp_port, snmp_community, snmp_version,
			vendor, model, enabled, consecutive_failure_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		olt.ID,
		olt.Name,
		olt.Host,
		olt.SNMPPort,
		olt.SNMPCommunity,
		olt.SNMPVersion,
		olt.Vendor,
		olt.Model,
		olt.Enabled,
		olt.ConsecutiveFailureCount,
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create olt")
	}

	return nil
}

// Get retrieves an OLT by ID
func (s *OLTStore) Get(ctx context.Context, id string) (*OLT, error) {
	query := `SELECT ` + oltColumns + ` FROM olts WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	olt, err := scanOLT(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("olt not found: %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get olt %s", id)
	}
	return olt, nil
}

// List returns all OLTs ordered by name.
func (s *OLTStore) List(ctx context.Context) ([]*OLT, error) {
	query := `SELECT ` + oltColumns + ` FROM olts ORDER BY name ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list olts")
	}
	defer rows.Close()

	var olts []*OLT
	for rows.Next() {
		olt, err := scanOLT(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan olt")
		}
		olts = append(olts, olt)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating olts")
	}
	return olts, nil
}

// SetEnabled flips an OLT's enabled flag.
func (s *OLTStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return s.update(ctx, id,
		`UPDATE olts SET enabled = ?, updated_at = ? WHERE id = ?`, enabled)
}

// ResetFailureCount zeroes the consecutive failure counter. Called by the
// execution lifecycle on any SUCCESS.
func (s *OLTStore) ResetFailureCount(ctx context.Context, id string) error {
	return s.update(ctx, id,
		`UPDATE olts SET consecutive_failure_count = 0, updated_at = ? WHERE id = ?`)
}

// IncrementFailureCount bumps the consecutive failure counter. Called when
// a job exhausts its retries. The counter is informational only; nothing in
// the core disables an OLT because of it.
func (s *OLTStore) IncrementFailureCount(ctx context.Context, id string) error {
	return s.update(ctx, id,
		`UPDATE olts SET consecutive_failure_count = consecutive_failure_count + 1, updated_at = ? WHERE id = ?`)
}

// update runs a single-row UPDATE whose final two placeholders are
// updated_at and id; extra leading args fill earlier placeholders.
func (s *OLTStore) update(ctx context.Context, id, query string, args ...interface{}) error {
	args = append(args, time.Now().UTC().Format(time.RFC3339), id)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to update olt %s", id)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("olt not found: %s", id)
	}

	return nil
}

func scanOLT(row rowScanner) (*OLT, error) {
	var olt OLT
	var createdAt, updatedAt string

	err := row.Scan(
		&olt.ID,
		&olt.Name,
		&olt.Host,
		&olt.SNMPPort,
		&olt.SNMPCommunity,
		&olt.SNMPVersion,
		&olt.Vendor,
		&olt.Model,
		&olt.Enabled,
		&olt.ConsecutiveFailureCount,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	olt.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for olt %s", olt.ID)
	}
	olt.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for olt %s", olt.ID)
	}

	return &olt, nil
}
