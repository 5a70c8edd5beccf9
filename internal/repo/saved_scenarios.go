package repo

import (
	"context"
	"database/sql"

	"trackline/internal/domain"
)

func (r Repo) InsertSavedScenarioTx(ctx context.Context, tx *sql.Tx, s domain.SavedScenario) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO saved_scenarios(id,scenario_id,name,clock,document_json,created_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.ScenarioID, s.Name, s.Clock, s.Document, s.CreatedAt)
	return err
}

// GetSavedScenario returns one saved export including its document.
func (r Repo) GetSavedScenario(ctx context.Context, id string) (domain.SavedScenario, error) {
	var s domain.SavedScenario
	err := r.DB.QueryRowContext(ctx, `SELECT id,scenario_id,name,clock,document_json,created_at FROM saved_scenarios WHERE id=?`, id).
		Scan(&s.ID, &s.ScenarioID, &s.Name, &s.Clock, &s.Document, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// ListSavedScenarios returns saved exports newest first, without documents.
func (r Repo) ListSavedScenarios(ctx context.Context, scenarioID string) ([]domain.SavedScenario, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,scenario_id,name,clock,created_at FROM saved_scenarios WHERE scenario_id=? ORDER BY created_at DESC, id DESC`, scenarioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SavedScenario
	for rows.Next() {
		var s domain.SavedScenario
		if err := rows.Scan(&s.ID, &s.ScenarioID, &s.Name, &s.Clock, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
