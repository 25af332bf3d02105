package app

import (
	"sort"

	"quiztime-live/internal/domain"
)

// Score ranks participants by the number of questions they answered correctly.
//
// Only answers to questions present in the given set count, so callers can score a
// prefix of the quiz. Every participant appears, with zero if they never answered.
// Ties are broken by join order: participants are expected in join order and the
// earlier joiner ranks higher.
func Score(questions []domain.Question, answers []domain.AnswerRecord, participants []domain.Participant) []domain.ResultEntry {
	correct := make(map[int64]int, len(participants))
	for _, a := range answers {
		if a.Question < 0 || a.Question >= len(questions) || !a.Answered() {
			continue
		}
		if a.Choice == questions[a.Question].Correct {
			correct[a.ParticipantID]++
		}
	}

	type ranked struct {
		entry domain.ResultEntry
		order int
	}
	rows := make([]ranked, 0, len(participants))
	for i, p := range participants {
		rows = append(rows, ranked{
			entry: domain.ResultEntry{ParticipantID: p.ID, Name: p.Name, Correct: correct[p.ID]},
			order: i,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].entry.Correct != rows[j].entry.Correct {
			return rows[i].entry.Correct > rows[j].entry.Correct
		}
		return rows[i].order < rows[j].order
	})

	out := make([]domain.ResultEntry, len(rows))
	for i, r := range rows {
		out[i] = r.entry
	}
	return out
}
