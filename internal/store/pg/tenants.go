package pg

import (
	"context"
	"encoding/json"
	"time"

	"smsbridge/internal/domain"
)

func (s *Store) GetTenant(ctx context.Context, installID string) (domain.Tenant, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT install_id, api_key, api_secret, COALESCE(default_country,''),
		       COALESCE(dlr_callback_url,''), COALESCE(reply_callback_url,''),
		       COALESCE(link_hit_callback_url,''), custom_object_defaults, created_at
		FROM tenants WHERE install_id=$1 AND deleted_at IS NULL
	`, installID)

	var t domain.Tenant
	var defaultsJSON []byte
	err := row.Scan(&t.InstallID, &t.APIKey, &t.APISecret, &t.DefaultCountry,
		&t.DLRCallbackURL, &t.ReplyCallbackURL, &t.LinkHitCallbackURL,
		&defaultsJSON, &t.CreatedAt)
	if err != nil {
		if noRows(err) {
			return domain.Tenant{}, false, nil
		}
		return domain.Tenant{}, false, err
	}
	if len(defaultsJSON) > 0 {
		t.CustomObjectDefaults = &domain.CustomObjectMapping{}
		_ = json.Unmarshal(defaultsJSON, t.CustomObjectDefaults)
	}
	return t, true, nil
}

func (s *Store) UpsertTenant(ctx context.Context, t *domain.Tenant, now time.Time) error {
	var defaultsJSON any
	if t.CustomObjectDefaults != nil {
		b, _ := json.Marshal(t.CustomObjectDefaults)
		defaultsJSON = b
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO tenants (install_id, api_key, api_secret, default_country,
			dlr_callback_url, reply_callback_url, link_hit_callback_url,
			custom_object_defaults, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
		ON CONFLICT (install_id) DO UPDATE SET
			api_key=EXCLUDED.api_key, api_secret=EXCLUDED.api_secret,
			default_country=EXCLUDED.default_country,
			dlr_callback_url=EXCLUDED.dlr_callback_url,
			reply_callback_url=EXCLUDED.reply_callback_url,
			link_hit_callback_url=EXCLUDED.link_hit_callback_url,
			custom_object_defaults=EXCLUDED.custom_object_defaults,
			deleted_at=NULL, updated_at=EXCLUDED.updated_at
	`, t.InstallID, t.APIKey, t.APISecret, nullIfEmpty(t.DefaultCountry),
		nullIfEmpty(t.DLRCallbackURL), nullIfEmpty(t.ReplyCallbackURL),
		nullIfEmpty(t.LinkHitCallbackURL), defaultsJSON, now)
	return err
}

// SoftDeleteTenant marks an uninstall; rows are kept for audit history.
func (s *Store) SoftDeleteTenant(ctx context.Context, installID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE tenants SET deleted_at=$2, updated_at=$2 WHERE install_id=$1 AND deleted_at IS NULL
	`, installID, now)
	return err
}
