// Package main provides the game server binary: the websocket gateway in front
// of the authoritative game state.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/highwizardry/internal/auction"
	"github.com/cory-johannsen/highwizardry/internal/auth"
	"github.com/cory-johannsen/highwizardry/internal/chat"
	"github.com/cory-johannsen/highwizardry/internal/config"
	"github.com/cory-johannsen/highwizardry/internal/frontend/ws"
	"github.com/cory-johannsen/highwizardry/internal/game/player"
	"github.com/cory-johannsen/highwizardry/internal/game/presence"
	"github.com/cory-johannsen/highwizardry/internal/game/session"
	"github.com/cory-johannsen/highwizardry/internal/game/world"
	"github.com/cory-johannsen/highwizardry/internal/gameserver"
	"github.com/cory-johannsen/highwizardry/internal/observability"
	"github.com/cory-johannsen/highwizardry/internal/scripting"
	"github.com/cory-johannsen/highwizardry/internal/server"
	"github.com/cory-johannsen/highwizardry/internal/storage/backend"
	"github.com/cory-johannsen/highwizardry/internal/trade"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file; empty uses defaults and HW_ environment overrides")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting game server",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("storage", cfg.Storage.Type),
	)

	catalog, err := world.Load(cfg.World.LocationsFile)
	if err != nil {
		logger.Fatal("loading locations", zap.Error(err))
	}
	logger.Info("world loaded",
		zap.Int("locations", len(catalog.IDs())),
		zap.String("start", catalog.Start()),
		zap.String("jail", catalog.Jail()),
	)

	store, err := backend.Open(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Fatal("opening storage", zap.Error(err))
	}

	players := player.NewStore(store, logger.Named("players"), player.Config{
		Rules:           player.DefaultRules(),
		JailLocation:    catalog.Jail(),
		ReleaseLocation: catalog.Start(),
		FlushDelay:      cfg.Storage.FlushDelay(),
	})

	authMgr, err := auth.NewManager(store, cfg.Auth, auth.LogMailer{Logger: logger.Named("mail")}, logger.Named("auth"), catalog.Start())
	if err != nil {
		logger.Fatal("creating auth manager", zap.Error(err))
	}

	var hooks *scripting.Hooks
	if cfg.Chat.ScriptFile != "" {
		hooks = scripting.NewHooks(logger.Named("scripting"), 0)
		if err := hooks.LoadFile(cfg.Chat.ScriptFile); err != nil {
			logger.Fatal("loading chat script", zap.String("path", cfg.Chat.ScriptFile), zap.Error(err))
		}
		defer hooks.Close()
		logger.Info("chat script loaded", zap.String("path", cfg.Chat.ScriptFile))
	}

	sessions := session.NewManager()
	broker := chat.NewBroker(cfg.Chat, logger.Named("chat"), hooks)
	trades := trade.NewController(players, sessions.Online, logger.Named("trade"))

	var router *gameserver.Router
	auctions := auction.NewController(players, store, cfg.Auction, logger.Named("auction"),
		auction.WithNotifier(func(events []auction.Event) { router.PublishAuctionEvents(events) }),
	)
	router = gameserver.NewRouter(gameserver.Services{
		Auth:     authMgr,
		Players:  players,
		Presence: presence.NewRegistry(),
		Sessions: sessions,
		Chat:     broker,
		Trades:   trades,
		Auctions: auctions,
		World:    catalog,
	}, cfg.Server, cfg.Gateway, logger.Named("router"))

	gateway := ws.NewAcceptor(cfg, router, auctions, store, sessions.All, logger.Named("gateway"))

	lifecycle := server.NewLifecycle(logger, cfg.Server.ShutdownTimeout)

	lifecycle.Add("storage", &server.FuncService{
		StartFn: func(ctx context.Context) error {
			ticker := time.NewTicker(cfg.Storage.HealthInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := store.HealthCheck(ctx); err != nil {
						logger.Warn("storage health check failed", zap.Error(err))
					}
				}
			}
		},
		StopFn: func(context.Context) error {
			return store.Close()
		},
	})
	lifecycle.Add("players", &server.FuncService{
		StartFn: players.Run,
		StopFn:  players.Flush,
	})
	lifecycle.Add("auth", &server.FuncService{
		StartFn: authMgr.Run,
	})
	lifecycle.Add("auctions", &server.FuncService{
		StartFn: func(ctx context.Context) error {
			if err := auctions.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
		StopFn: auctions.Stop,
	})
	lifecycle.Add("gateway", &server.FuncService{
		StartFn: gateway.ListenAndServe,
		StopFn:  gateway.Stop,
	})

	logger.Info("game server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("path", cfg.Gateway.Path),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
