package redis

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mitsimi/oxitrack/internal/models"
	"github.com/mitsimi/oxitrack/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var _ store.SessionStore = (*SessionStore)(nil)

// SessionStore implements store.SessionStore using Redis.
//
// Key layout, with the default "oxitrack" prefix:
//
//	oxitrack:session:{id}                  hash of session fields
//	oxitrack:project:{handle}:heartbeats   zset of ids scored by last_heartbeat
//	oxitrack:project:{handle}:open         set of open session ids
//	oxitrack:project:{handle}:starts       hash of start_time -> id
//	oxitrack:sessions:open                 zset of open ids scored by last_heartbeat
//	oxitrack:sessions:next_id              id counter
//
// A transaction WATCHes the three project keys, reads through the watched
// connection and buffers its writes into one MULTI/EXEC. Every write touches
// a watched key, so two heartbeats for the same project cannot both commit
// from the same snapshot. The loser is retried with backoff, which means the
// function passed to InTx may run more than once.
type SessionStore struct {
	client     *redis.Client
	cfg        *Config
	closeStale *redis.Script
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, cfg *Config) (*SessionStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info().
		Str("addr", opts.Addr).
		Int("db", opts.DB).
		Str("key_prefix", cfg.KeyPrefix).
		Msg("Connected to Redis")

	return &SessionStore{
		client:     client,
		cfg:        cfg,
		closeStale: redis.NewScript(closeStaleScript),
	}, nil
}

func (s *SessionStore) sessionKey(id int64) string {
	return fmt.Sprintf("%s:session:%d", s.cfg.KeyPrefix, id)
}

func (s *SessionStore) heartbeatsKey(projectHandle string) string {
	return fmt.Sprintf("%s:project:%s:heartbeats", s.cfg.KeyPrefix, projectHandle)
}

func (s *SessionStore) openKey(projectHandle string) string {
	return fmt.Sprintf("%s:project:%s:open", s.cfg.KeyPrefix, projectHandle)
}

func (s *SessionStore) startsKey(projectHandle string) string {
	return fmt.Sprintf("%s:project:%s:starts", s.cfg.KeyPrefix, projectHandle)
}

func (s *SessionStore) openIndexKey() string {
	return s.cfg.KeyPrefix + ":sessions:open"
}

func (s *SessionStore) nextIDKey() string {
	return s.cfg.KeyPrefix + ":sessions:next_id"
}

// InTx runs fn against a snapshot of the project's sessions and commits the
// buffered writes atomically. Conflicting commits are retried.
func (s *SessionStore) InTx(ctx context.Context, projectHandle string, fn func(tx store.SessionTx) error) error {
	keys := []string{
		s.heartbeatsKey(projectHandle),
		s.openKey(projectHandle),
		s.startsKey(projectHandle),
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInitialInterval
	b.MaxInterval = s.cfg.RetryMaxInterval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			tx := &sessionTx{
				store:   s,
				rtx:     rtx,
				staged:  make(map[int64]*models.Session),
				deleted: make(map[int64]string),
			}
			if err := fn(tx); err != nil {
				return err
			}
			return tx.commit(ctx)
		}, keys...)

		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, redis.TxFailedErr):
			log.Debug().
				Str("project_handle", projectHandle).
				Int("attempt", attempt).
				Msg("Session transaction conflicted, retrying")
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.cfg.MaxRetries)),
	)
	if err != nil && errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("session transaction for %q kept conflicting after %d attempts: %w", projectHandle, attempt, err)
	}

	return err
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(ctx context.Context, id int64) (*models.Session, error) {
	data, err := s.client.HGetAll(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return parseSession(id, data)
}

// CloseStale closes open sessions whose last heartbeat is at or before cutoff.
func (s *SessionStore) CloseStale(ctx context.Context, cutoff int64) (int, error) {
	closed, err := s.closeStale.Run(ctx, s.client,
		[]string{s.openIndexKey()},
		s.cfg.KeyPrefix, cutoff,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to close stale sessions: %w", err)
	}

	if closed > 0 {
		log.Info().
			Int("count", closed).
			Int64("cutoff", cutoff).
			Msg("Closed stale sessions")
	}

	return closed, nil
}

// Ping verifies the Redis connection.
func (s *SessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *SessionStore) Close() error {
	return s.client.Close()
}

type sessionTx struct {
	store *SessionStore
	rtx   *redis.Tx

	// staged holds sessions written in this transaction, deleted maps
	// replaced session ids to their project handle
	staged  map[int64]*models.Session
	deleted map[int64]string
}

func (t *sessionTx) load(ctx context.Context, id int64) (*models.Session, error) {
	if _, ok := t.deleted[id]; ok {
		return nil, store.ErrSessionNotFound
	}
	if session, ok := t.staged[id]; ok {
		return session, nil
	}

	data, err := t.rtx.HGetAll(ctx, t.store.sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load session %d: %w", id, err)
	}

	return parseSession(id, data)
}

// candidates merges ids read from a project index with the sessions staged
// for that project in this transaction.
func (t *sessionTx) candidates(projectHandle string, ids []int64) []int64 {
	for id, session := range t.staged {
		if session.ProjectHandle == projectHandle {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

func (t *sessionTx) FindRecentOpenSession(ctx context.Context, projectHandle string, notBefore int64) (*models.Session, error) {
	members, err := t.rtx.ZRangeByScore(ctx, t.store.heartbeatsKey(projectHandle), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(notBefore, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to find recent session: %w", err)
	}

	ids, err := parseIDs(members)
	if err != nil {
		return nil, err
	}

	var best *models.Session
	for _, id := range t.candidates(projectHandle, ids) {
		session, err := t.load(ctx, id)
		if errors.Is(err, store.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if session.ProjectHandle != projectHandle || session.LastHeartbeat <= notBefore {
			continue
		}
		if best == nil || session.LastHeartbeat > best.LastHeartbeat ||
			(session.LastHeartbeat == best.LastHeartbeat && session.ID > best.ID) {
			best = session
		}
	}

	if best == nil {
		return nil, store.ErrSessionNotFound
	}

	return best.Clone(), nil
}

func (t *sessionTx) Touch(ctx context.Context, id int64, timestamp int64) error {
	session, err := t.load(ctx, id)
	if err != nil {
		return err
	}

	if timestamp > session.LastHeartbeat {
		session.LastHeartbeat = timestamp
	}
	t.staged[id] = session

	return nil
}

func (t *sessionTx) CloseOpenSessions(ctx context.Context, projectHandle string) (int, error) {
	members, err := t.rtx.SMembers(ctx, t.store.openKey(projectHandle)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list open sessions: %w", err)
	}

	ids, err := parseIDs(members)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, id := range t.candidates(projectHandle, ids) {
		session, err := t.load(ctx, id)
		if errors.Is(err, store.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if session.ProjectHandle != projectHandle || !session.IsOpen() {
			continue
		}

		endTime := session.LastHeartbeat
		session.EndTime = &endTime
		t.staged[id] = session
		closed++
	}

	return closed, nil
}

// Create replaces any session of the project that has the same start time.
func (t *sessionTx) Create(ctx context.Context, projectHandle string, startTime, lastHeartbeat int64) (int64, error) {
	for id, session := range t.staged {
		if session.ProjectHandle == projectHandle && session.StartTime == startTime {
			t.replace(id, projectHandle)
		}
	}

	existing, err := t.rtx.HGet(ctx, t.store.startsKey(projectHandle), strconv.FormatInt(startTime, 10)).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return 0, fmt.Errorf("failed to check start time: %w", err)
	default:
		id, err := strconv.ParseInt(existing, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid session id %q in start index: %w", existing, err)
		}
		t.replace(id, projectHandle)
	}

	// The counter is not watched, a retried transaction simply skips ids
	id, err := t.rtx.Incr(ctx, t.store.nextIDKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate session id: %w", err)
	}

	t.staged[id] = &models.Session{
		ID:            id,
		ProjectHandle: projectHandle,
		StartTime:     startTime,
		LastHeartbeat: lastHeartbeat,
	}

	return id, nil
}

func (t *sessionTx) replace(id int64, projectHandle string) {
	delete(t.staged, id)
	t.deleted[id] = projectHandle
}

func (t *sessionTx) commit(ctx context.Context) error {
	if len(t.staged) == 0 && len(t.deleted) == 0 {
		return nil
	}

	s := t.store
	_, err := t.rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for id, projectHandle := range t.deleted {
			pipe.Del(ctx, s.sessionKey(id))
			pipe.ZRem(ctx, s.heartbeatsKey(projectHandle), id)
			pipe.SRem(ctx, s.openKey(projectHandle), id)
			pipe.ZRem(ctx, s.openIndexKey(), id)
		}

		for _, id := range slices.Sorted(maps.Keys(t.staged)) {
			session := t.staged[id]
			key := s.sessionKey(id)
			score := float64(session.LastHeartbeat)

			pipe.HSet(ctx, key,
				"project_handle", session.ProjectHandle,
				"start_time", session.StartTime,
				"last_heartbeat", session.LastHeartbeat,
			)
			pipe.ZAdd(ctx, s.heartbeatsKey(session.ProjectHandle), redis.Z{Score: score, Member: id})
			pipe.HSet(ctx, s.startsKey(session.ProjectHandle), strconv.FormatInt(session.StartTime, 10), id)

			if session.EndTime != nil {
				pipe.HSet(ctx, key, "end_time", *session.EndTime)
				pipe.SRem(ctx, s.openKey(session.ProjectHandle), id)
				pipe.ZRem(ctx, s.openIndexKey(), id)
			} else {
				pipe.SAdd(ctx, s.openKey(session.ProjectHandle), id)
				pipe.ZAdd(ctx, s.openIndexKey(), redis.Z{Score: score, Member: id})
			}
		}

		return nil
	})

	return err
}
