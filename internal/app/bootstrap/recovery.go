package bootstrap

import (
	"github.com/wolfman30/conversation-recovery/internal/config"
	"github.com/wolfman30/conversation-recovery/internal/observability/metrics"
	"github.com/wolfman30/conversation-recovery/internal/recovery"
	"github.com/wolfman30/conversation-recovery/internal/recovery/timestamp"
	"github.com/wolfman30/conversation-recovery/pkg/logging"
)

// EngineOptions translates recovery settings into engine options shared by
// the CLI and the worker. The identifier is supplied per org by the caller.
func EngineOptions(cfg *config.Config, logger *logging.Logger, m *metrics.RecoveryMetrics) []recovery.Option {
	if logger == nil {
		logger = logging.Default()
	}
	var opts []recovery.Option
	if cfg == nil {
		return opts
	}
	if cfg.RecoveryConcurrency > 0 {
		opts = append(opts, recovery.WithConcurrency(cfg.RecoveryConcurrency))
	}
	if cfg.DisableFallbackTimestamps {
		opts = append(opts, recovery.WithReconstructor(timestamp.New(
			timestamp.WithoutFallbackTimestamp(),
			timestamp.WithLogger(logger),
			timestamp.WithMetrics(m),
		)))
	}
	return opts
}
