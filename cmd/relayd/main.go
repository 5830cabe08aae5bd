// relayd runs a standalone collaboration relay: the websocket room server
// plus its HTTP surface. Configuration comes from relayd.yaml, environment
// variables prefixed RELAYD_, or defaults.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/shinyes/yep_collab/pkg/relay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() error {
	viper.SetConfigName("relayd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/yep_collab")
	viper.SetEnvPrefix("relayd")
	viper.AutomaticEnv()

	viper.SetDefault("listen", ":8090")
	viper.SetDefault("log.development", false)
	viper.SetDefault("redis.addr", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("shutdown_timeout", "10s")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
		// No config file is fine: defaults plus environment.
	}
	return nil
}

func newLogger() (*zap.Logger, error) {
	if viper.GetBool("log.development") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newPresence(log *zap.Logger) (relay.Presence, error) {
	addr := viper.GetString("redis.addr")
	if addr == "" {
		log.Info("presence registry: in-memory")
		return relay.NewMemoryPresence(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	log.Info("presence registry: redis", zap.String("addr", addr))
	return relay.NewRedisPresence(client), nil
}

func run() error {
	if err := initConfig(); err != nil {
		return err
	}
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	presence, err := newPresence(log)
	if err != nil {
		return err
	}
	defer presence.Close()

	hub := relay.NewHub(log, presence)
	srv := &http.Server{
		Addr:    viper.GetString("listen"),
		Handler: relay.NewRouter(hub, log),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	hub.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("shutdown_timeout"))
	defer cancel()
	return srv.Shutdown(ctx)
}
