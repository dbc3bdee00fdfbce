package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"palsrelay/internal/api"
	"palsrelay/internal/auth"
	"palsrelay/internal/commands"
	"palsrelay/internal/config"
	"palsrelay/internal/gateway"
	"palsrelay/internal/http"
	"palsrelay/internal/logging"
	"palsrelay/internal/presence"
	"palsrelay/internal/pubsub"
	"palsrelay/internal/storage"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 5 * time.Second
	sweepInterval   = time.Minute
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	disconnect := flag.Int64("disconnect", 0, "User id to disconnect from every gateway instance")
	revokeToken := flag.String("revoke-token", "", "Token to revoke together with -disconnect")
	createConversation := flag.String("create-conversation", "", "Comma separated member ids of a conversation to create (bolt storage only)")
	createdBy := flag.Int64("created-by", 0, "Creator of the conversation created with -create-conversation")
	title := flag.String("title", "", "Title of the conversation created with -create-conversation")
	flag.Parse()

	cfg, err := config.Load(*disconnect != 0 || *createConversation != "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	switch {
	case *disconnect != 0:
		err = commands.DisconnectUser(*disconnect, *revokeToken, cfg)
	case *createConversation != "":
		var members []int64
		members, err = parseIDs(*createConversation)
		if err == nil {
			err = commands.CreateConversation(api.CreateConversationRequest{
				Title:     *title,
				IsGroup:   len(members) > 1,
				CreatedBy: *createdBy,
				Members:   members,
			}, cfg)
		}
	default:
		err = runServer(ctx, cfg)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}

func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for part := range strings.SplitSeq(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func runServer(ctx context.Context, cfg *config.Config) error {
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	return run(ctx, cfg, log)
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	log = log.With(zap.String("instance", cfg.InstanceID))

	verifier, err := auth.NewVerifier(ctx, auth.Config{
		Secret:    cfg.JWTSecret,
		Algorithm: cfg.JWTAlgorithm,
	})
	if err != nil {
		return err
	}

	store, conversations, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var redisClient redis.UniversalClient
	if cfg.NeedsRedis() {
		redisClient, err = openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer func() { _ = redisClient.Close() }()
	}

	g, gCtx := errgroup.WithContext(ctx)

	var presenceStore presence.Store
	switch cfg.PresenceDriver {
	case "redis":
		presenceStore = presence.NewRedisStore(redisClient, cfg.InstanceID)
	default:
		backend := presence.NewMemoryBackend()
		g.Go(func() error {
			backend.Run(gCtx, sweepInterval)
			return nil
		})
		presenceStore = backend.Store(cfg.InstanceID)
	}

	bridge, err := openBridge(cfg, redisClient, log)
	if err != nil {
		return err
	}
	defer func() { _ = bridge.Close() }()

	gw := gateway.New(gateway.Options{
		InstanceID:        cfg.InstanceID,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PresenceTTL:       cfg.PresenceTTL,
		TypingTTL:         cfg.TypingTTL,
		SendQueueSize:     cfg.SendQueueSize,
		EchoToSender:      cfg.EchoToSender,
	}, store, presenceStore, bridge, log)

	adminServer := http.NewAdminServer(api.NewAdminHandler(gw, verifier, conversations, log), cfg.AdminAddr, log)
	apiServer := http.NewAPIServer(gCtx, gw, verifier, cfg.APIAddr, log)

	g.Go(func() error {
		return gw.Run(gCtx)
	})

	g.Go(func() error {
		return adminServer.Start()
	})

	g.Go(func() error {
		return apiServer.Start()
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("admin server shutdown error", zap.Error(err))
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("API server shutdown error", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

// openStorage returns the chat store and, for bolt, the same store as the
// conversation seeding backend of the admin API.
func openStorage(ctx context.Context, cfg *config.Config) (storage.Store, api.ConversationAdmin, error) {
	switch cfg.StorageDriver {
	case "postgres":
		pg, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		return pg, nil, nil
	default:
		bolt, err := storage.NewBoltStorage(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return bolt, bolt, nil
	}
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return client, nil
}

func openBridge(cfg *config.Config, redisClient redis.UniversalClient, log *zap.Logger) (pubsub.Bridge, error) {
	switch cfg.BridgeDriver {
	case "redis":
		return pubsub.NewRedisBridge(redisClient, log), nil
	case "nats":
		return pubsub.NewNATSBridge(pubsub.NATSConfig{
			URL:  cfg.NATSURL,
			Name: "palsrelay-" + cfg.InstanceID,
		}, log)
	default:
		return pubsub.NewLocalBus(), nil
	}
}
