package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	livePrefix = "chat:live:"
	jobPrefix  = "chat:job:"

	defaultTTL = 10 * time.Minute
)

// Store keeps in-flight assistant transcripts so a reconnecting client (or a
// job poller) can see what has been generated so far.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(addr, password string, db int, ttl time.Duration) *Store {
	return NewWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), ttl)
}

func NewWithClient(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) SetLiveTranscript(ctx context.Context, sessionID, text string) error {
	return s.rdb.Set(ctx, livePrefix+sessionID, text, s.ttl).Err()
}

// GetLiveTranscript reports found=false when no turn is streaming for sessionID.
func (s *Store) GetLiveTranscript(ctx context.Context, sessionID string) (string, bool, error) {
	return s.get(ctx, livePrefix+sessionID)
}

func (s *Store) DeleteLiveTranscript(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, livePrefix+sessionID).Err()
}

func (s *Store) SetJobProgress(ctx context.Context, jobID, text string) error {
	return s.rdb.Set(ctx, jobPrefix+jobID, text, s.ttl).Err()
}

func (s *Store) GetJobProgress(ctx context.Context, jobID string) (string, bool, error) {
	return s.get(ctx, jobPrefix+jobID)
}

func (s *Store) DeleteJobProgress(ctx context.Context, jobID string) error {
	return s.rdb.Del(ctx, jobPrefix+jobID).Err()
}

func (s *Store) get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}
