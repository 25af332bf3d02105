package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"quiztime-live/internal/domain"
)

// QuizStore reads quiz content and account names from Postgres.
type QuizStore struct {
	pool *pgxpool.Pool
}

func NewQuizStore(pool *pgxpool.Pool) *QuizStore {
	return &QuizStore{pool: pool}
}

func (s *QuizStore) FetchQuestions(ctx context.Context, quizID int64) ([]domain.Question, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT position, question, choice_a, choice_b, choice_c, choice_d, correct
		FROM questions
		WHERE quiz_id = $1
		ORDER BY position`, quizID)
	if err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}
	defer rows.Close()

	var questions []domain.Question
	for rows.Next() {
		var q domain.Question
		if err := rows.Scan(&q.Position, &q.Text, &q.Choices[0], &q.Choices[1], &q.Choices[2], &q.Choices[3], &q.Correct); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("%w: %d", domain.ErrQuizNotFound, quizID)
	}
	return questions, nil
}

func (s *QuizStore) FetchQuizTitle(ctx context.Context, quizID int64) (string, error) {
	var title string
	err := s.pool.QueryRow(ctx, `SELECT title FROM quizzes WHERE id = $1`, quizID).Scan(&title)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %d", domain.ErrQuizNotFound, quizID)
	}
	if err != nil {
		return "", fmt.Errorf("load quiz title: %w", err)
	}
	return title, nil
}

func (s *QuizStore) FetchUsername(ctx context.Context, userID int64) (string, error) {
	var name string
	err := s.pool.QueryRow(ctx, `SELECT username FROM users WHERE id = $1`, userID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %d", domain.ErrUserNotFound, userID)
	}
	if err != nil {
		return "", fmt.Errorf("load username: %w", err)
	}
	return name, nil
}
