package redis

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"quiztime-live/internal/app"
	"quiztime-live/internal/domain"
)

// QuizCache caches quiz content in Redis and falls back to a store on cache miss.
// Questions are stored as: SET quiz:{quizID}:questions <json>
// Titles are stored as:    SET quiz:{quizID}:title {title}
type QuizCache struct {
	client *redis.Client
	store  app.QuizStore
	ttl    time.Duration
	sf     singleflight.Group

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewQuizCache(client *redis.Client, store app.QuizStore, ttl time.Duration) *QuizCache {
	return &QuizCache{
		client: client,
		store:  store,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *QuizCache) FetchQuestions(ctx context.Context, quizID int64) ([]domain.Question, error) {
	key := c.questionsKey(quizID)
	if questions, ok := c.cachedQuestions(ctx, key); ok {
		return questions, nil
	}

	result, err, _ := c.sf.Do(key, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if questions, ok := c.cachedQuestions(ctx, key); ok {
			return questions, nil
		}
		questions, err := c.store.FetchQuestions(ctx, quizID)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(questions)
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(ctx, key, raw, c.ttlWithJitter()).Err(); err != nil {
			log.Warn().Err(err).Int64("quiz_id", quizID).Msg("cache questions")
		}
		return questions, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Question), nil
}

func (c *QuizCache) FetchQuizTitle(ctx context.Context, quizID int64) (string, error) {
	key := c.titleKey(quizID)
	title, err := c.client.Get(ctx, key).Result()
	if err == nil {
		return title, nil
	}

	result, err, _ := c.sf.Do(key, func() (interface{}, error) {
		if title, err := c.client.Get(ctx, key).Result(); err == nil {
			return title, nil
		}
		title, err := c.store.FetchQuizTitle(ctx, quizID)
		if err != nil {
			return "", err
		}
		if err := c.client.Set(ctx, key, title, c.ttlWithJitter()).Err(); err != nil {
			log.Warn().Err(err).Int64("quiz_id", quizID).Msg("cache quiz title")
		}
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

func (c *QuizCache) cachedQuestions(ctx context.Context, key string) ([]domain.Question, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("key", key).Msg("read cached questions")
		}
		return nil, false
	}
	var questions []domain.Question
	if err := json.Unmarshal(raw, &questions); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("decode cached questions")
		return nil, false
	}
	return questions, true
}

func (c *QuizCache) questionsKey(quizID int64) string {
	return "quiz:" + strconv.FormatInt(quizID, 10) + ":questions"
}

func (c *QuizCache) titleKey(quizID int64) string {
	return "quiz:" + strconv.FormatInt(quizID, 10) + ":title"
}

func (c *QuizCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
