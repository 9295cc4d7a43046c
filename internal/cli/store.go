package cli

import (
	"fmt"
	"log/slog"
	"os"

	redisv9 "github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/devlift/sdlcflow/store"
	"github.com/devlift/sdlcflow/store/memory"
	"github.com/devlift/sdlcflow/store/mysql"
	"github.com/devlift/sdlcflow/store/redis"
	"github.com/devlift/sdlcflow/store/sqlite"
)

// tracerProvider hides the typed-nil pointer from the interface check in
// openStore.
func tracerProvider(tp *sdktrace.TracerProvider) trace.TracerProvider {
	if tp == nil {
		return nil
	}

	return tp
}

// openStore builds the store selected by the --store flag.
func openStore(tp trace.TracerProvider) (store.Store, error) {
	opts := []store.Option{
		store.WithLogger(newLogger()),
	}
	if tp != nil {
		opts = append(opts, store.WithTracerProvider(tp))
	}

	switch name := viper.GetString("store"); name {
	case "memory":
		return memory.NewMemoryStore(opts...), nil

	case "sqlite":
		return sqlite.NewSqliteStore(viper.GetString("sqlite-path"), opts...), nil

	case "mysql":
		return mysql.NewMysqlStore(
			viper.GetString("mysql-host"),
			viper.GetInt("mysql-port"),
			viper.GetString("mysql-user"),
			viper.GetString("mysql-password"),
			viper.GetString("mysql-database"),
			opts...,
		), nil

	case "redis":
		client := redisv9.NewUniversalClient(&redisv9.UniversalOptions{
			Addrs:    []string{viper.GetString("redis-addr")},
			Password: viper.GetString("redis-password"),
		})

		return redis.NewRedisStore(client, opts...)

	default:
		return nil, fmt.Errorf("unknown store backend %q", name)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}
