package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/NikhilSetiya/agentctx/pkg/config"
	"github.com/NikhilSetiya/agentctx/pkg/errors"
	"github.com/NikhilSetiya/agentctx/pkg/logging"
)

// Backend names accepted by memory.store.backend
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
	BackendRedis    = "redis"
)

// OpenBackend builds the backend selected by cfg
func OpenBackend(ctx context.Context, cfg config.StoreConfig, logger *logging.Logger) (Backend, error) {
	path, err := expandHome(cfg.Path)
	if err != nil {
		return nil, errors.NewValidationError("invalid memory.store.path").WithCause(err)
	}

	switch cfg.Backend {
	case BackendMemory:
		return NewInMemoryBackend(), nil
	case BackendFile, "":
		return OpenFileBackend(path, logger)
	case BackendSQLite:
		return OpenSQLite(ctx, path, logger)
	case BackendPostgres:
		return OpenPostgres(ctx, cfg.DSN, logger)
	case BackendMySQL:
		return OpenMySQL(ctx, cfg.DSN, logger)
	case BackendRedis:
		return OpenRedis(ctx, RedisConfig{Addr: cfg.RedisAddr, DB: cfg.RedisDB}, logger)
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("unknown memory backend %q", cfg.Backend))
	}
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
