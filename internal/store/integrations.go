package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// EnsureTenant inserts the tenant row if it does not exist. Every other
// table references tenants, so services call this once at startup for the
// configured default tenant.
func (s *Store) EnsureTenant(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`, id, name)
	if err != nil {
		return fmt.Errorf("ensure tenant: %w", err)
	}
	return nil
}

// UpsertIntegration merges config keys into the per-tenant integration bag
// for the given kind.
func (s *Store) UpsertIntegration(ctx context.Context, tenantID, kind string, config JSONMap) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integrations (id, tenant_id, kind, config)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, kind) DO UPDATE SET
			config     = integrations.config || EXCLUDED.config,
			updated_at = now()`,
		uuid.NewString(), tenantID, kind, config)
	if err != nil {
		return fmt.Errorf("upsert integration: %w", err)
	}
	return nil
}

// Integration loads the config bag for (tenant, kind).
func (s *Store) Integration(ctx context.Context, tenantID, kind string) (*Integration, error) {
	var in Integration
	err := s.db.GetContext(ctx, &in, `
		SELECT * FROM integrations WHERE tenant_id = $1 AND kind = $2`,
		tenantID, kind)
	if err != nil {
		return nil, notFound(err)
	}
	return &in, nil
}
