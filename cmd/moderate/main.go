// Package main provides an offline CLI for moderating accounts: bans, mutes,
// and jail sentences. It refuses to run while the configured game server
// answers its health probe.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/highwizardry/internal/auth"
	"github.com/cory-johannsen/highwizardry/internal/config"
	"github.com/cory-johannsen/highwizardry/internal/game/player"
	"github.com/cory-johannsen/highwizardry/internal/game/world"
	"github.com/cory-johannsen/highwizardry/internal/storage"
	"github.com/cory-johannsen/highwizardry/internal/storage/backend"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file")
	username := flag.String("username", "", "target account username (required)")
	ban := flag.Bool("ban", false, "ban the account")
	unban := flag.Bool("unban", false, "lift a ban")
	mute := flag.Bool("mute", false, "mute the account")
	unmute := flag.Bool("unmute", false, "lift a mute")
	jail := flag.Duration("jail", 0, "jail the player for this long, e.g. 30m")
	serverURL := flag.String("server", "", "health URL of the game server to check is stopped; empty derives it from config")
	flag.Parse()

	if *username == "" || (*ban && *unban) || (*mute && *unmute) || !(*ban || *unban || *mute || *unmute || *jail > 0) {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	probe := *serverURL
	if probe == "" {
		probe = healthURL(cfg.Server)
	}
	if err := ensureServerStopped(ctx, &http.Client{Timeout: 2 * time.Second}, probe); err != nil {
		log.Fatalf("%v", err)
	}

	store, err := backend.Open(ctx, cfg.Storage, logger)
	if err != nil {
		log.Fatalf("opening storage: %v", err)
	}
	defer store.Close()

	catalog, err := world.Load(cfg.World.LocationsFile)
	if err != nil {
		log.Fatalf("loading locations: %v", err)
	}
	mgr, err := auth.NewManager(store, cfg.Auth, auth.LogMailer{Logger: logger}, logger, catalog.Start())
	if err != nil {
		log.Fatalf("creating auth manager: %v", err)
	}

	var u storage.User
	if *ban || *unban {
		if u, err = mgr.SetBanStatus(ctx, *username, *ban); err != nil {
			log.Fatalf("updating ban: %v", err)
		}
	}
	if *mute || *unmute {
		if u, err = mgr.SetMuteStatus(ctx, *username, *mute); err != nil {
			log.Fatalf("updating mute: %v", err)
		}
	}

	if *jail > 0 {
		if u.ID == "" {
			if u, err = store.GetUser(ctx, *username); err != nil {
				log.Fatalf("looking up %q: %v", *username, err)
			}
		}
		players := player.NewStore(store, logger, player.Config{
			Rules:           player.DefaultRules(),
			JailLocation:    catalog.Jail(),
			ReleaseLocation: catalog.Start(),
			FlushDelay:      cfg.Storage.FlushDelay(),
		})
		release := time.Now().Add(*jail)
		if _, err := players.Jail(ctx, u.ID, release); err != nil {
			log.Fatalf("jailing %q: %v", *username, err)
		}
		if err := players.Flush(ctx); err != nil {
			log.Fatalf("saving jail sentence: %v", err)
		}
		fmt.Fprintf(os.Stdout, "jailed %s until %s\n", u.Username, release.Format(time.RFC3339))
	}

	fmt.Fprintf(os.Stdout, "%s: banned=%v muted=%v [%s]\n", *username, u.Banned, u.Muted, time.Since(start))
}
