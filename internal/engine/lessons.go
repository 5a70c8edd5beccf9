package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"trackline/internal/domain"
	"trackline/internal/events"
	"trackline/internal/repo"
)

// LessonOptions are parameters for recording a lesson learned.
type LessonOptions struct {
	Author   string
	Scenario string
	Solution string
	Outcome  string
	Rating   float64
	Tags     []string
}

func (e Engine) AddLesson(ctx context.Context, opts LessonOptions) (domain.Lesson, error) {
	if strings.TrimSpace(opts.Scenario) == "" || strings.TrimSpace(opts.Solution) == "" {
		return domain.Lesson{}, domain.Validation("scenario and solution are required")
	}
	if opts.Rating < 0 || opts.Rating > 5 {
		return domain.Lesson{}, domain.Validation("rating must be within 0..5")
	}
	if opts.Author == "" {
		opts.Author = "controller"
	}
	l := domain.Lesson{
		ID:         uuid.NewString(),
		ScenarioID: e.scenarioID(),
		Author:     opts.Author,
		Scenario:   opts.Scenario,
		Solution:   opts.Solution,
		Outcome:    opts.Outcome,
		Rating:     opts.Rating,
		Tags:       opts.Tags,
		CreatedAt:  e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lesson{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertLessonTx(ctx, tx, l); err != nil {
		return domain.Lesson{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeLessonAdded, l.ScenarioID, e.Clock().Minute, "lesson", l.ID, events.EventPayload{
		"author": l.Author,
		"rating": l.Rating,
		"tags":   l.Tags,
	}); err != nil {
		return domain.Lesson{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lesson{}, err
	}
	return e.Repo.GetLesson(ctx, l.ID)
}

func (e Engine) GetLesson(ctx context.Context, id string) (domain.Lesson, error) {
	l, err := e.Repo.GetLesson(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return l, domain.NotFound("lesson", id)
	}
	return l, err
}

func (e Engine) ListLessons(ctx context.Context, tag string, limit int) ([]domain.Lesson, error) {
	return e.Repo.ListLessons(ctx, e.scenarioID(), tag, limit)
}

// SimilarLessons finds lessons of the current scenario sharing tags with
// the query, best match first.
func (e Engine) SimilarLessons(ctx context.Context, tags []string, limit int) ([]domain.Lesson, error) {
	return e.Repo.SimilarLessons(ctx, e.scenarioID(), tags, limit)
}
