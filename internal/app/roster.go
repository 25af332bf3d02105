package app

import (
	"time"

	"quiztime-live/internal/domain"
)

// roster keeps participants in join order. Not safe for concurrent use; the owning
// session serializes access.
type roster struct {
	order []int64
	byID  map[int64]*domain.Participant
}

func newRoster() *roster {
	return &roster{byID: make(map[int64]*domain.Participant)}
}

// add appends id and reports whether it was absent.
func (r *roster) add(id int64, now time.Time) bool {
	if _, ok := r.byID[id]; ok {
		return false
	}
	r.byID[id] = &domain.Participant{ID: id, JoinedAt: now}
	r.order = append(r.order, id)
	return true
}

func (r *roster) remove(id int64) bool {
	if _, ok := r.byID[id]; !ok {
		return false
	}
	delete(r.byID, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *roster) has(id int64) bool {
	_, ok := r.byID[id]
	return ok
}

func (r *roster) setName(id int64, name string) bool {
	p, ok := r.byID[id]
	if !ok {
		return false
	}
	p.Name = name
	return true
}

func (r *roster) ids() []int64 {
	return append([]int64(nil), r.order...)
}

func (r *roster) len() int {
	return len(r.order)
}

// snapshot copies the participants in join order.
func (r *roster) snapshot() []domain.Participant {
	out := make([]domain.Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.byID[id])
	}
	return out
}

type answerKey struct {
	question    int
	participant int64
}

// answerLog is append-only with at most one record per (question, participant).
type answerLog struct {
	records []domain.AnswerRecord
	seen    map[answerKey]struct{}
}

func newAnswerLog() *answerLog {
	return &answerLog{seen: make(map[answerKey]struct{})}
}

// record appends rec unless that participant already answered that question.
func (l *answerLog) record(rec domain.AnswerRecord) bool {
	key := answerKey{question: rec.Question, participant: rec.ParticipantID}
	if _, dup := l.seen[key]; dup {
		return false
	}
	l.seen[key] = struct{}{}
	l.records = append(l.records, rec)
	return true
}

func (l *answerLog) has(question int, participant int64) bool {
	_, ok := l.seen[answerKey{question: question, participant: participant}]
	return ok
}

func (l *answerLog) snapshot() []domain.AnswerRecord {
	return append([]domain.AnswerRecord(nil), l.records...)
}
