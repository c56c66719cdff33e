package risk

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSettingsSource reads settings from the risk_settings,
// country_policies and currency_rates tables
type PostgresSettingsSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSettingsSource creates a source over pool
func NewPostgresSettingsSource(pool *pgxpool.Pool) *PostgresSettingsSource {
	return &PostgresSettingsSource{pool: pool}
}

func (s *PostgresSettingsSource) Name() string { return "postgres" }

// Fetch loads all three tables in one read-only snapshot
func (s *PostgresSettingsSource) Fetch(ctx context.Context) (*Settings, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin settings read: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	settings := &Settings{
		CountryPolicies: map[string]CountryStatus{},
		CurrencyRates:   map[string]float64{},
	}

	err = tx.QueryRow(ctx, `
		SELECT version, high_amount, high_geo_risk_score, velocity_limit,
		       challenge_score_threshold, block_score_threshold, impossible_travel_km,
		       absolute_high_value, payment_challenge_amount, reference_currency
		FROM risk_settings WHERE id = 1
	`).Scan(
		&settings.Version, &settings.HighAmount, &settings.HighGeoRiskScore, &settings.VelocityLimit,
		&settings.ChallengeScoreThreshold, &settings.BlockScoreThreshold, &settings.ImpossibleTravelKm,
		&settings.AbsoluteHighValue, &settings.PaymentChallengeAmount, &settings.ReferenceCurrency,
	)
	if err != nil {
		return nil, fmt.Errorf("read risk_settings: %w", err)
	}
	settings.ReferenceCurrency = strings.ToUpper(settings.ReferenceCurrency)

	rows, err := tx.Query(ctx, `SELECT country_iso, status FROM country_policies`)
	if err != nil {
		return nil, fmt.Errorf("read country_policies: %w", err)
	}
	for rows.Next() {
		var iso, status string
		if err := rows.Scan(&iso, &status); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan country policy: %w", err)
		}
		settings.CountryPolicies[strings.ToUpper(iso)] = ParseCountryStatus(status)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read country_policies: %w", err)
	}

	rows, err = tx.Query(ctx, `SELECT currency, rate_to_reference FROM currency_rates`)
	if err != nil {
		return nil, fmt.Errorf("read currency_rates: %w", err)
	}
	for rows.Next() {
		var currency string
		var rate float64
		if err := rows.Scan(&currency, &rate); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan currency rate: %w", err)
		}
		settings.CurrencyRates[strings.ToUpper(currency)] = rate
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read currency_rates: %w", err)
	}

	return settings, nil
}

// SetCountryPolicy upserts the policy for a country and bumps the settings version
func (s *PostgresSettingsSource) SetCountryPolicy(ctx context.Context, iso string, status CountryStatus) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin country policy update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO country_policies (country_iso, status, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (country_iso) DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()
	`, strings.ToUpper(iso), string(status)); err != nil {
		return fmt.Errorf("upsert country policy: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE risk_settings SET version = version + 1, updated_at = NOW() WHERE id = 1`); err != nil {
		return fmt.Errorf("bump settings version: %w", err)
	}
	return tx.Commit(ctx)
}
