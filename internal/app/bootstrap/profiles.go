package bootstrap

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/conversation-recovery/internal/config"
	"github.com/wolfman30/conversation-recovery/internal/speaker"
	"github.com/wolfman30/conversation-recovery/pkg/logging"
)

// BuildProfileStore picks the speaker profile backend named in config. A
// redis backend without a reachable client degrades to memory.
func BuildProfileStore(cfg *appconfig.Config, redisClient *redis.Client, pool *pgxpool.Pool, logger *logging.Logger) (speaker.ProfileStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	switch cfg.SpeakerProfileBackend {
	case "", appconfig.ProfileBackendMemory:
		logger.Info("speaker profiles kept in memory")
		return speaker.NewMemoryProfileStore(), nil
	case appconfig.ProfileBackendRedis:
		if redisClient == nil {
			logger.Warn("redis unavailable; speaker profiles kept in memory")
			return speaker.NewMemoryProfileStore(), nil
		}
		logger.Info("speaker profiles stored in redis", "redis", cfg.RedisAddr)
		return speaker.NewRedisProfileStore(redisClient), nil
	case appconfig.ProfileBackendPostgres:
		if pool == nil {
			return nil, fmt.Errorf("bootstrap: postgres profile store needs a database pool")
		}
		logger.Info("speaker profiles stored in postgres")
		return speaker.NewPostgresProfileStore(pool), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown speaker profile backend %q", cfg.SpeakerProfileBackend)
	}
}

// LoadBaseProfile reads SPEAKER_PROFILE_FILE when set. Nil means the defaults.
func LoadBaseProfile(cfg *appconfig.Config) (*speaker.Profile, error) {
	if cfg == nil || strings.TrimSpace(cfg.SpeakerProfileFile) == "" {
		return nil, nil
	}
	p, err := speaker.LoadProfileFile(cfg.SpeakerProfileFile)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load speaker profile: %w", err)
	}
	return p, nil
}
