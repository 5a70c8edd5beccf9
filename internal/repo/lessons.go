package repo

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"trackline/internal/domain"
)

func (r Repo) InsertLessonTx(ctx context.Context, tx *sql.Tx, l domain.Lesson) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO lessons(id,scenario_id,author,scenario,solution,outcome,rating,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		l.ID, l.ScenarioID, l.Author, l.Scenario, l.Solution, nullable(l.Outcome), l.Rating, l.CreatedAt)
	if err != nil {
		return err
	}
	for _, tag := range normalizeTags(l.Tags) {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO lesson_tags(lesson_id,tag) VALUES (?,?)`, l.ID, tag); err != nil {
			return fmt.Errorf("insert tag %s: %w", tag, err)
		}
	}
	return nil
}

func (r Repo) GetLesson(ctx context.Context, id string) (domain.Lesson, error) {
	lessons, err := r.queryLessons(ctx, `WHERE id=?`, id)
	if err != nil {
		return domain.Lesson{}, err
	}
	if len(lessons) == 0 {
		return domain.Lesson{}, ErrNotFound
	}
	return lessons[0], nil
}

// ListLessons returns lessons newest first, optionally limited to one tag.
func (r Repo) ListLessons(ctx context.Context, scenarioID, tag string, limit int) ([]domain.Lesson, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if scenarioID != "" {
		clauses = append(clauses, "scenario_id=?")
		args = append(args, scenarioID)
	}
	if tag != "" {
		clauses = append(clauses, "id IN (SELECT lesson_id FROM lesson_tags WHERE tag=?)")
		args = append(args, strings.ToLower(strings.TrimSpace(tag)))
	}
	args = append(args, limit)
	return r.queryLessons(ctx, "WHERE "+strings.Join(clauses, " AND ")+" ORDER BY created_at DESC, id DESC LIMIT ?", args...)
}

// SimilarLessons ranks lessons of a scenario sharing at least one tag by
// overlap, then rating, then recency. An empty scenarioID searches all.
func (r Repo) SimilarLessons(ctx context.Context, scenarioID string, tags []string, limit int) ([]domain.Lesson, error) {
	tags = normalizeTags(tags)
	if len(tags) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tags)), ",")
	args := make([]any, 0, len(tags)+1)
	for _, tag := range tags {
		args = append(args, tag)
	}
	where := fmt.Sprintf(`WHERE id IN (SELECT lesson_id FROM lesson_tags WHERE tag IN (%s))`, placeholders)
	if scenarioID != "" {
		where += " AND scenario_id=?"
		args = append(args, scenarioID)
	}
	lessons, err := r.queryLessons(ctx, where, args...)
	if err != nil {
		return nil, err
	}
	want := map[string]bool{}
	for _, tag := range tags {
		want[tag] = true
	}
	overlap := func(l domain.Lesson) int {
		n := 0
		for _, tag := range l.Tags {
			if want[tag] {
				n++
			}
		}
		return n
	}
	sort.SliceStable(lessons, func(i, j int) bool {
		a, b := lessons[i], lessons[j]
		if oa, ob := overlap(a), overlap(b); oa != ob {
			return oa > ob
		}
		if a.Rating != b.Rating {
			return a.Rating > b.Rating
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt > b.CreatedAt
		}
		return a.ID < b.ID
	})
	if len(lessons) > limit {
		lessons = lessons[:limit]
	}
	return lessons, nil
}

func (r Repo) queryLessons(ctx context.Context, tail string, args ...any) ([]domain.Lesson, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,scenario_id,author,scenario,solution,COALESCE(outcome,''),rating,created_at FROM lessons `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lesson
	for rows.Next() {
		var l domain.Lesson
		if err := rows.Scan(&l.ID, &l.ScenarioID, &l.Author, &l.Scenario, &l.Solution, &l.Outcome, &l.Rating, &l.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		tags, err := r.lessonTags(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Tags = tags
	}
	return res, nil
}

func (r Repo) lessonTags(ctx context.Context, lessonID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT tag FROM lesson_tags WHERE lesson_id=? ORDER BY tag`, lessonID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func normalizeTags(tags []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
