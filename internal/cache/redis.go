package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"colorspin/internal/game"
)

// Service is the optional Redis layer: live round snapshots for cheap
// polling reads and a mirror of the responsible-gaming sessions so they
// survive a restart. Every method is safe to skip when Redis is down.
type Service interface {
	GetClient() *redis.Client
	PublishState(ctx context.Context, room string, update *game.TimerUpdate)
	SaveSession(ctx context.Context, session *game.PlayerSession)
	LoadSession(ctx context.Context, playerID string) (*game.PlayerSession, bool)
	Health() map[string]string
	Close() error
}

type service struct {
	client *redis.Client
}

const (
	stateKeyPrefix   = "colorspin:round:"
	sessionKeyPrefix = "colorspin:session:"
	stateTTL         = 2 * time.Minute
)

var (
	redisAddr     = getEnv("REDIS_URL", "localhost:6379")
	redisPassword = getEnv("REDIS_PASSWORD", "")
	redisDB       = getEnvAsInt("REDIS_DB", 0)
	cacheInstance *service
)

func New() Service {
	if cacheInstance != nil {
		return cacheInstance
	}

	client := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     redisPassword,
		DB:           redisDB,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		log.WithError(err).Warn("[CACHE] Redis connection failed, running without cache")
		return nil
	}

	log.Info("[CACHE] Redis connected successfully")

	cacheInstance = &service{
		client: client,
	}

	return cacheInstance
}

func (s *service) GetClient() *redis.Client {
	return s.client
}

// PublishState stores the latest round snapshot for a room. Lossy on
// purpose: a stale or missing snapshot only costs a database read.
func (s *service) PublishState(ctx context.Context, room string, update *game.TimerUpdate) {
	data, err := json.Marshal(update)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, stateKeyPrefix+room, data, stateTTL).Err(); err != nil {
		log.WithError(err).WithField("room", room).Debug("[CACHE] snapshot write failed")
	}
}

func (s *service) SaveSession(ctx context.Context, session *game.PlayerSession) {
	data, err := json.Marshal(session)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, sessionKeyPrefix+session.PlayerID, data, 0).Err(); err != nil {
		log.WithError(err).WithField("player", session.PlayerID).Debug("[CACHE] session write failed")
	}
}

func (s *service) LoadSession(ctx context.Context, playerID string) (*game.PlayerSession, bool) {
	data, err := s.client.Get(ctx, sessionKeyPrefix+playerID).Bytes()
	if err != nil {
		return nil, false
	}
	var session game.PlayerSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, false
	}
	return &session, true
}

func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	_, err := s.client.Ping(ctx).Result()
	if err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("redis down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "Redis is healthy"

	poolStats := s.client.PoolStats()
	stats["hits"] = strconv.FormatUint(uint64(poolStats.Hits), 10)
	stats["misses"] = strconv.FormatUint(uint64(poolStats.Misses), 10)
	stats["timeouts"] = strconv.FormatUint(uint64(poolStats.Timeouts), 10)
	stats["total_conns"] = strconv.FormatUint(uint64(poolStats.TotalConns), 10)
	stats["idle_conns"] = strconv.FormatUint(uint64(poolStats.IdleConns), 10)
	stats["stale_conns"] = strconv.FormatUint(uint64(poolStats.StaleConns), 10)

	return stats
}

func (s *service) Close() error {
	log.Info("[CACHE] Disconnecting from Redis")
	return s.client.Close()
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
