package cmdutils

import (
	"context"
	"fmt"
	"io"

	"github.com/richardartoul/deferdb/kv"
	"github.com/richardartoul/deferdb/kv/boltkv"
	"github.com/richardartoul/deferdb/kv/localkv"
	"github.com/richardartoul/deferdb/kv/pebblekv"
	"github.com/richardartoul/deferdb/kv/sqlkv"

	"golang.org/x/exp/slog"
)

const (
	BackendMemory   = "memory"
	BackendBolt     = "bolt"
	BackendPebble   = "pebble"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Backends lists the valid values of OpenBackend's backend argument.
var Backends = []string{BackendMemory, BackendBolt, BackendPebble, BackendSQLite, BackendPostgres}

func ParseLog(w io.Writer, logLevel, logFormat string) (*slog.Logger, error) {
	var logHandlerOpts slog.HandlerOptions
	switch logLevel {
	case "info":
		logHandlerOpts = slog.HandlerOptions{Level: slog.LevelInfo}
	case "debug":
		logHandlerOpts = slog.HandlerOptions{Level: slog.LevelDebug}
	case "warn":
		logHandlerOpts = slog.HandlerOptions{Level: slog.LevelWarn}
	case "error":
		logHandlerOpts = slog.HandlerOptions{Level: slog.LevelError}
	default:
		return nil, fmt.Errorf("invalid log level: %s", logLevel)
	}

	switch logFormat {
	case "json":
		return slog.New(slog.NewJSONHandler(w, &logHandlerOpts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, &logHandlerOpts)), nil
	default:
		return nil, fmt.Errorf("invalid log format: %s", logFormat)
	}
}

// OpenBackend opens the kv.Store called backend. path is the file or directory
// used by the bolt, pebble and sqlite backends (pebble keeps everything in
// memory when it is empty) and dsn is the postgres connection string.
func OpenBackend(ctx context.Context, backend, path, dsn string) (kv.Store, error) {
	requirePath := func() error {
		if path == "" {
			return fmt.Errorf("backend: %s requires a path", backend)
		}
		return nil
	}

	switch backend {
	case BackendMemory:
		return localkv.New(), nil
	case BackendBolt:
		if err := requirePath(); err != nil {
			return nil, err
		}
		return boltkv.New(path)
	case BackendPebble:
		if path == "" {
			return pebblekv.NewInMemory()
		}
		return pebblekv.New(path)
	case BackendSQLite:
		if err := requirePath(); err != nil {
			return nil, err
		}
		return sqlkv.NewSQLite(ctx, path)
	case BackendPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("backend: %s requires a dsn", backend)
		}
		return sqlkv.NewPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown backend: %s, valid options: %v", backend, Backends)
	}
}
