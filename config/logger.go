package config

import (
	"errors"
	"log"
	"syscall"

	"go.uber.org/zap"
)

// InitLogger installs a production zap logger as the global logger. The
// returned func flushes it and should be deferred by main.
func InitLogger() (*zap.Logger, func()) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil && !isIgnorableSyncError(err) {
			log.Printf("Failed to sync logger: %v\n", err)
		}
	}

	return logger, cleanup
}

// Syncing stderr/stdout fails on terminals and pipes with EINVAL or ENOTTY.
func isIgnorableSyncError(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)
}
