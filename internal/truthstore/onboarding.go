package truthstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// OnboardingQuestion is one of the fixed intake questions.
type OnboardingQuestion struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
}

// onboardingQuestions is the mandatory five-question intake sequence. The
// answer to Q3 drives the experience-level heuristic.
var onboardingQuestions = []OnboardingQuestion{
	{ID: "Q1", Prompt: "What should this project do? Describe its purpose in a sentence or two."},
	{ID: "Q2", Prompt: "Who will use it?"},
	{ID: "Q3", Prompt: "How would you describe your technical experience?"},
	{ID: "Q4", Prompt: "Any constraints or required technologies?"},
	{ID: "Q5", Prompt: "What does success look like for this project?"},
}

// ExperienceLevel is derived from the Q3 answer.
type ExperienceLevel string

const (
	ExperienceNovice       ExperienceLevel = "novice"
	ExperienceIntermediate ExperienceLevel = "intermediate"
	ExperienceExpert       ExperienceLevel = "expert"
)

// Keyword tables for the Q3 heuristic. Matching is case-insensitive substring
// over the answer; expert keywords win over novice on a tie.
var (
	expertKeywords = []string{
		"expert", "senior", "years of experience", "10 years", "professional",
		"architect", "lead", "principal", "staff engineer",
	}
	noviceKeywords = []string{
		"new to", "beginner", "first time", "learning", "never coded",
		"no experience", "not technical", "non-technical", "novice",
	}
)

func detectExperienceLevel(answer string) ExperienceLevel {
	lower := strings.ToLower(answer)
	for _, kw := range expertKeywords {
		if strings.Contains(lower, kw) {
			return ExperienceExpert
		}
	}
	for _, kw := range noviceKeywords {
		if strings.Contains(lower, kw) {
			return ExperienceNovice
		}
	}
	return ExperienceIntermediate
}

// AnswerState is one question's progress.
type AnswerState struct {
	QuestionID string     `json:"question_id"`
	Prompt     string     `json:"prompt"`
	Answered   bool       `json:"answered"`
	Answer     string     `json:"answer,omitempty"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
}

// OnboardingState is the full intake progress snapshot.
type OnboardingState struct {
	Started             bool            `json:"started"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	Completed           bool            `json:"completed"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	StartupMessageShown bool            `json:"startup_message_shown"`
	ExperienceLevel     ExperienceLevel `json:"user_experience_level,omitempty"`
	Questions           []AnswerState   `json:"questions"`
}

// MarkStartupMessageShown records that the agent displayed the mandatory
// startup message; planning tasks are gated on this flag.
func (s *Store) MarkStartupMessageShown(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE onboarding SET startup_message_shown = 1 WHERE id = 1;`)
	if err != nil {
		return fmt.Errorf("mark startup message shown: %w", err)
	}
	return nil
}

// AnswerOnboardingQuestion records an answer. Answering Q3 sets the derived
// experience level; answering the last open question completes onboarding.
func (s *Store) AnswerOnboardingQuestion(ctx context.Context, questionID, answer string) (*OnboardingState, error) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return nil, fmt.Errorf("answer text required")
	}
	valid := false
	for _, q := range onboardingQuestions {
		if q.ID == questionID {
			valid = true
			break
		}
	}
	if !valid {
		return nil, fmt.Errorf("unknown onboarding question %q", questionID)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE onboarding SET started_at = COALESCE(started_at, CURRENT_TIMESTAMP) WHERE id = 1;
		`); err != nil {
			return fmt.Errorf("mark onboarding started: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE onboarding_answers
			SET answered = 1, answer = ?, answered_at = CURRENT_TIMESTAMP
			WHERE question_id = ?;
		`, answer, questionID); err != nil {
			return fmt.Errorf("record answer %s: %w", questionID, err)
		}
		if questionID == "Q3" {
			level := detectExperienceLevel(answer)
			if _, err := tx.ExecContext(ctx, `
				UPDATE onboarding SET experience_level = ? WHERE id = 1;
			`, level); err != nil {
				return fmt.Errorf("record experience level: %w", err)
			}
		}
		if err := s.appendEventTx(ctx, tx, Event{
			EventType: EventOnboardingAnswered,
			Actor:     "user",
			Details:   fmt.Sprintf("onboarding question %s answered", questionID),
		}); err != nil {
			return err
		}

		var remaining int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM onboarding_answers WHERE answered = 0;`).Scan(&remaining); err != nil {
			return fmt.Errorf("count open questions: %w", err)
		}
		if remaining == 0 {
			res, err := tx.ExecContext(ctx, `
				UPDATE onboarding SET completed_at = CURRENT_TIMESTAMP WHERE id = 1 AND completed_at IS NULL;
			`)
			if err != nil {
				return fmt.Errorf("mark onboarding complete: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				if err := s.appendEventTx(ctx, tx, Event{
					EventType: EventOnboardingCompleted,
					Actor:     "user",
					Details:   "all onboarding questions answered",
				}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetOnboardingState(ctx)
}

// GetOnboardingState returns the intake snapshot.
func (s *Store) GetOnboardingState(ctx context.Context) (*OnboardingState, error) {
	var (
		state       OnboardingState
		startedAt   sql.NullTime
		completedAt sql.NullTime
		shown       int
		level       sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT started_at, completed_at, startup_message_shown, experience_level FROM onboarding WHERE id = 1;
	`).Scan(&startedAt, &completedAt, &shown, &level)
	if err != nil {
		return nil, fmt.Errorf("select onboarding: %w", err)
	}
	state.Started = startedAt.Valid
	if startedAt.Valid {
		state.StartedAt = &startedAt.Time
	}
	state.Completed = completedAt.Valid
	if completedAt.Valid {
		state.CompletedAt = &completedAt.Time
	}
	state.StartupMessageShown = shown == 1
	state.ExperienceLevel = ExperienceLevel(level.String)

	rows, err := s.db.QueryContext(ctx, `
		SELECT question_id, prompt, answered, COALESCE(answer, ''), answered_at
		FROM onboarding_answers ORDER BY question_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("select onboarding answers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			a          AnswerState
			answered   int
			answeredAt sql.NullTime
		)
		if err := rows.Scan(&a.QuestionID, &a.Prompt, &answered, &a.Answer, &answeredAt); err != nil {
			return nil, fmt.Errorf("scan onboarding answer: %w", err)
		}
		a.Answered = answered == 1
		if answeredAt.Valid {
			a.AnsweredAt = &answeredAt.Time
		}
		state.Questions = append(state.Questions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("onboarding answer rows: %w", err)
	}
	return &state, nil
}

// OnboardingAnswer returns one recorded answer text ("" when unanswered).
func (s *Store) OnboardingAnswer(ctx context.Context, questionID string) (string, error) {
	var answer sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT answer FROM onboarding_answers WHERE question_id = ? AND answered = 1;
	`, questionID).Scan(&answer)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select onboarding answer: %w", err)
	}
	return answer.String, nil
}

func onboardingCompleteTx(ctx context.Context, tx *sql.Tx) (bool, error) {
	var completedAt sql.NullTime
	if err := tx.QueryRowContext(ctx, `SELECT completed_at FROM onboarding WHERE id = 1;`).Scan(&completedAt); err != nil {
		return false, fmt.Errorf("select onboarding completion: %w", err)
	}
	return completedAt.Valid, nil
}
