package memory

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"quiztime-live/internal/app"
	"quiztime-live/internal/domain"
)

// QuizCache caches question sets and titles with TTL to avoid repeated store hits.
// Quiz content is immutable per session, so a stale entry only affects sessions created later.
// Usernames pass through uncached.
type QuizCache struct {
	store app.QuizStore
	ttl   time.Duration
	clock func() time.Time
	sf    singleflight.Group

	mu    sync.Mutex
	rnd   *rand.Rand
	cache map[int64]cachedQuiz
}

type cachedQuiz struct {
	questions    []domain.Question
	hasQuestions bool
	title        string
	hasTitle     bool
	expiresAt    time.Time
}

func NewQuizCache(store app.QuizStore, ttl time.Duration) *QuizCache {
	return &QuizCache{
		store: store,
		ttl:   ttl,
		clock: time.Now,
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
		cache: make(map[int64]cachedQuiz),
	}
}

func (c *QuizCache) FetchQuestions(ctx context.Context, quizID int64) ([]domain.Question, error) {
	if entry, ok := c.lookup(quizID); ok && entry.hasQuestions {
		return entry.questions, nil
	}

	result, err, _ := c.sf.Do("questions:"+strconv.FormatInt(quizID, 10), func() (interface{}, error) {
		if entry, ok := c.lookup(quizID); ok && entry.hasQuestions {
			return entry.questions, nil
		}
		questions, err := c.store.FetchQuestions(ctx, quizID)
		if err != nil {
			return nil, err
		}
		c.update(quizID, func(e *cachedQuiz) {
			e.questions = questions
			e.hasQuestions = true
		})
		return questions, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Question), nil
}

func (c *QuizCache) FetchQuizTitle(ctx context.Context, quizID int64) (string, error) {
	if entry, ok := c.lookup(quizID); ok && entry.hasTitle {
		return entry.title, nil
	}

	result, err, _ := c.sf.Do("title:"+strconv.FormatInt(quizID, 10), func() (interface{}, error) {
		if entry, ok := c.lookup(quizID); ok && entry.hasTitle {
			return entry.title, nil
		}
		title, err := c.store.FetchQuizTitle(ctx, quizID)
		if err != nil {
			return "", err
		}
		c.update(quizID, func(e *cachedQuiz) {
			e.title = title
			e.hasTitle = true
		})
		return title, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *QuizCache) FetchUsername(ctx context.Context, userID int64) (string, error) {
	return c.store.FetchUsername(ctx, userID)
}

func (c *QuizCache) lookup(quizID int64) (cachedQuiz, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[quizID]
	if !ok || !entry.expiresAt.After(c.clock()) {
		return cachedQuiz{}, false
	}
	return entry, true
}

func (c *QuizCache) update(quizID int64, apply func(*cachedQuiz)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	entry, ok := c.cache[quizID]
	if !ok || !entry.expiresAt.After(now) {
		entry = cachedQuiz{expiresAt: now.Add(c.ttlWithJitterLocked())}
	}
	apply(&entry)
	c.cache[quizID] = entry
}

func (c *QuizCache) ttlWithJitterLocked() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}

// StaticQuizStore is a quiz store backed by in-memory maps (useful for tests/demos).
type StaticQuizStore struct {
	quizzes map[int64]domain.Quiz
	users   map[int64]string
}

func NewStaticQuizStore(quizzes []domain.Quiz, users map[int64]string) *StaticQuizStore {
	byID := make(map[int64]domain.Quiz, len(quizzes))
	for _, q := range quizzes {
		byID[q.ID] = q
	}
	if users == nil {
		users = make(map[int64]string)
	}
	return &StaticQuizStore{quizzes: byID, users: users}
}

func (s *StaticQuizStore) FetchQuestions(_ context.Context, quizID int64) ([]domain.Question, error) {
	quiz, ok := s.quizzes[quizID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrQuizNotFound, quizID)
	}
	return append([]domain.Question(nil), quiz.Questions...), nil
}

func (s *StaticQuizStore) FetchQuizTitle(_ context.Context, quizID int64) (string, error) {
	quiz, ok := s.quizzes[quizID]
	if !ok {
		return "", fmt.Errorf("%w: %d", domain.ErrQuizNotFound, quizID)
	}
	return quiz.Title, nil
}

func (s *StaticQuizStore) FetchUsername(_ context.Context, userID int64) (string, error) {
	name, ok := s.users[userID]
	if !ok {
		return "", fmt.Errorf("%w: %d", domain.ErrUserNotFound, userID)
	}
	return name, nil
}
