package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/zhouzirui/localchat/backend/internal/config"
	"github.com/zhouzirui/localchat/backend/internal/events"
	"github.com/zhouzirui/localchat/backend/internal/handler"
	"github.com/zhouzirui/localchat/backend/internal/model/chat"
	"github.com/zhouzirui/localchat/backend/internal/service/cancel"
	chatService "github.com/zhouzirui/localchat/backend/internal/service/chat"
	"github.com/zhouzirui/localchat/backend/internal/service/chat/mongostore"
	"github.com/zhouzirui/localchat/backend/internal/service/provider"
	"github.com/zhouzirui/localchat/backend/internal/service/provider/ark"
	"github.com/zhouzirui/localchat/backend/internal/service/provider/openai"
	"github.com/zhouzirui/localchat/backend/internal/service/turn"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.Level}))
	slog.SetDefault(logger)

	var cleanups []func(context.Context)

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("failed to open %s store: %v", cfg.Store.Driver, err)
	}
	if closeStore != nil {
		cleanups = append(cleanups, closeStore)
	}

	modelCfgs, err := config.LoadModelConfigs(cfg.Chat.ModelsFile)
	if err != nil {
		log.Fatalf("failed to load model configs: %v", err)
	}
	added, err := chatService.SeedModelConfigs(ctx, store, modelCfgs)
	if err != nil {
		log.Fatalf("failed to seed model configs: %v", err)
	}
	log.Printf("model configs ready (%d seeded)", added)

	hub := events.NewHub(events.HubOptions{Logger: logger})
	emitters := []events.Emitter{hub}
	if cfg.Events.RedisEnabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Events.RedisAddr,
			Password: cfg.Events.RedisPassword,
			DB:       cfg.Events.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("warning: redis %s unreachable: %v", cfg.Events.RedisAddr, err)
			log.Println("continuing with in-process event delivery only")
			_ = client.Close()
		} else {
			pub := events.NewRedisPublisher(client, cfg.Events.ChannelPrefix)
			emitters = append(emitters, pub)
			cleanups = append(cleanups, func(ctx context.Context) {
				if err := pub.Close(ctx); err != nil {
					log.Printf("warning: redis publish queue not drained: %v", err)
				}
				_ = client.Close()
			})
			log.Printf("publishing stream events to redis %s", cfg.Events.RedisAddr)
		}
	}

	providers := provider.NewRegistry()
	providers.Register(chat.ProviderOpenAICompatible, openai.New(openai.Options{}))
	providers.Register(chat.ProviderArk, ark.New(ark.NewArkModel))

	credentials := config.NewCredentials()
	orchestrator := turn.New(turn.Options{
		Store:        store,
		Credentials:  credentials,
		Provider:     providers,
		Emitter:      events.Multi(emitters...),
		Registry:     cancel.NewRegistry(),
		Logger:       logger,
		HistoryLimit: cfg.Chat.HistoryLimit,
	})

	router := handler.NewRouter(handler.Dependencies{
		Store:   store,
		Turns:   orchestrator,
		Keyring: credentials,
		Hub:     hub,
	})

	// Turns finalize before the hub closes so subscribers see stream_finished.
	cleanups = append([]func(context.Context){
		func(ctx context.Context) {
			if err := orchestrator.Shutdown(ctx); err != nil {
				log.Printf("warning: turns did not finish before shutdown: %v", err)
			}
			hub.Close()
		},
	}, cleanups...)

	startServer(ctx, cfg.Server, router, cleanups)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (chatService.Store, func(context.Context), error) {
	if cfg.Driver != config.StoreMongo {
		log.Println("using in-memory conversation store")
		return chatService.Serialize(chatService.NewMemoryStore()), nil, nil
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, err
	}

	store, err := mongostore.New(ctx, mongostore.Options{Client: client, Database: cfg.MongoDatabase})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, err
	}
	log.Printf("using mongo conversation store %s/%s", cfg.MongoURI, cfg.MongoDatabase)

	closeFn := func(ctx context.Context) {
		if err := client.Disconnect(ctx); err != nil {
			log.Printf("warning: mongo disconnect: %v", err)
		}
	}
	return chatService.Serialize(store), closeFn, nil
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, cleanups []func(context.Context)) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		// Event feeds never go idle; tie them to the signal context so Shutdown can drain.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	log.Printf("LocalChat backend listening on %s", addr)
	err := runServer(ctx, srv)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, fn := range cleanups {
		fn(shutdownCtx)
	}

	if err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
