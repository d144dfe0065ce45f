package preference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carelink/carelink/internal/platform/db"
)

type preferenceRepoPG struct{ pool *pgxpool.Pool }

func NewPreferenceRepoPG(pool *pgxpool.Pool) Repository {
	return &preferenceRepoPG{pool: pool}
}

func (r *preferenceRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *preferenceRepoPG) Get(ctx context.Context, userID string) (Preferences, error) {
	p := Preferences{UserID: userID, FlaggedPatients: []string{}}

	var selected *string
	var updated time.Time
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT selected_team_id, updated_at FROM user_preferences WHERE user_id = $1`,
		userID).Scan(&selected, &updated)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return Preferences{}, fmt.Errorf("load preferences: %w", err)
	default:
		if selected != nil {
			p.SelectedTeamID = *selected
		}
		p.UpdatedAt = updated
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT patient_id FROM flagged_patients WHERE user_id = $1 ORDER BY patient_id`, userID)
	if err != nil {
		return Preferences{}, fmt.Errorf("load flagged patients: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return Preferences{}, fmt.Errorf("scan flagged patient: %w", err)
		}
		p.FlaggedPatients = append(p.FlaggedPatients, id)
	}
	return p, rows.Err()
}

func (r *preferenceRepoPG) SetSelectedTeam(ctx context.Context, userID, teamID string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO user_preferences (user_id, selected_team_id, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET selected_team_id = EXCLUDED.selected_team_id, updated_at = NOW()`,
		userID, teamID)
	if err != nil {
		return fmt.Errorf("save selected team: %w", err)
	}
	return nil
}

func (r *preferenceRepoPG) SetFlag(ctx context.Context, userID, patientID string, flagged bool) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		var err error
		if flagged {
			_, err = r.conn(ctx).Exec(ctx, `
				INSERT INTO flagged_patients (user_id, patient_id) VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, userID, patientID)
		} else {
			_, err = r.conn(ctx).Exec(ctx, `
				DELETE FROM flagged_patients WHERE user_id = $1 AND patient_id = $2`, userID, patientID)
		}
		if err != nil {
			return fmt.Errorf("save flag: %w", err)
		}
		_, err = r.conn(ctx).Exec(ctx, `
			INSERT INTO user_preferences (user_id, updated_at) VALUES ($1, NOW())
			ON CONFLICT (user_id) DO UPDATE SET updated_at = NOW()`, userID)
		if err != nil {
			return fmt.Errorf("touch preferences: %w", err)
		}
		return nil
	})
}
