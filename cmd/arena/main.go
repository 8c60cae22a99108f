package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rawblock/rps-arena/internal/alerts"
	"github.com/rawblock/rps-arena/internal/chain"
	"github.com/rawblock/rps-arena/internal/config"
	"github.com/rawblock/rps-arena/internal/db"
	"github.com/rawblock/rps-arena/internal/gateway"
	"github.com/rawblock/rps-arena/internal/lobby"
	"github.com/rawblock/rps-arena/internal/match"
	"github.com/rawblock/rps-arena/internal/physics"
	"github.com/rawblock/rps-arena/internal/protocol"
)

func main() {
	log.Println("Starting RPS Arena escrow server...")
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("FATAL: connect to PostgreSQL: %v", err)
	}
	defer store.Close()
	if err := store.InitSchema(ctx); err != nil {
		log.Fatalf("FATAL: init schema: %v", err)
	}

	chainClient, err := chain.Dial(ctx, chain.Config{
		PrimaryURL:   cfg.RPCURL,
		FallbackURLs: cfg.RPCFallbackURLs,
		TokenAddress: cfg.TokenAddress,
		MinConfirms:  cfg.MinConfirms,
		MaxTxAge:     cfg.MaxTxAge,
		SendConfirms: cfg.MinConfirms,
	})
	if err != nil {
		log.Fatalf("FATAL: dial rpc: %v", err)
	}

	alertMgr := alerts.NewManager(cfg.AlertWebhookURLs)

	lobbies, err := lobby.NewManager(ctx, store, chainClient, alertMgr, lobby.Config{
		LobbyCount:   cfg.LobbyCount,
		BuyIn:        cfg.BuyIn,
		LobbyTimeout: cfg.LobbyTimeout,
	}, cfg.LobbyWalletSeed, cfg.WalletEncryptKey, cfg.TreasuryMnemonic)
	if err != nil {
		log.Fatalf("FATAL: init lobbies: %v", err)
	}

	phys := physics.DefaultConfig()
	phys.ArenaWidth = cfg.ArenaWidth
	phys.ArenaHeight = cfg.ArenaHeight
	phys.PlayerRadius = cfg.PlayerRadius
	phys.MaxSpeed = cfg.MaxSpeed
	phys.TickRate = cfg.TickRate

	matchCfg := match.DefaultConfig(phys)
	matchCfg.CountdownSeconds = cfg.CountdownSeconds
	matchCfg.ReconnectGrace = cfg.ReconnectGrace
	matchCfg.BuyIn = cfg.BuyIn
	matchCfg.WinnerPayout = cfg.WinnerPayout

	deferred := db.NewDeferredQueue()
	hub := gateway.NewHub()

	matches := match.NewManager(store, chainClient, lobbies, alertMgr, hub, deferred, matchCfg)
	lobbies.SetEngine(matches)
	lobbies.SetNotifier(hub)

	// Reconcile whatever the previous process left behind before any
	// traffic is accepted.
	if err := matches.RecoverInterrupted(ctx); err != nil {
		log.Fatalf("FATAL: startup recovery: %v", err)
	}

	go deferred.Run(ctx)
	go lobby.NewDepositMonitor(store, chainClient, lobbies, cfg.MinConfirms).Run(ctx)
	go lobby.NewSweeper(store, chainClient, alertMgr, lobbies, cfg.MinGasWei).Run(ctx)
	go match.NewHealthMonitor(matches).Run(ctx)
	go store.RunMaintenance(ctx, time.Hour, 24*time.Hour, cfg.BackupDir)
	go sessionCleanup(ctx, store)

	connLimiter := gateway.NewConnLimiter()
	public := gateway.NewServer(store, lobbies, matches, alertMgr, deferred, hub, connLimiter,
		protocol.ProfilePublic, cfg.LobbyCount)
	admin := gateway.NewServer(store, lobbies, matches, alertMgr, deferred, hub, connLimiter,
		protocol.ProfileAdmin, cfg.LobbyCount)

	errCh := make(chan error, 2)
	go func() { errCh <- public.Run(ctx, cfg.PublicPort) }()
	go func() { errCh <- admin.Run(ctx, cfg.AdminPort) }()

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Println("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Printf("Listener failed: %v", err)
			exitCode = 1
		}
		stop()
	}

	// Drain order: stop accepting frames, void live matches (their
	// refunds run on the next startup's recovery), flush writes.
	hub.CloseAll(protocol.CloseServerShutdown, "server restarting")

	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	matches.Shutdown(shutCtx)
	store.Close()

	log.Println("Shutdown complete")
	os.Exit(exitCode)
}

// sessionCleanup expires stale sessions hourly.
func sessionCleanup(ctx context.Context, store *db.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := store.DeleteExpiredSessions(ctx); err != nil {
				log.Printf("[Sessions] cleanup failed: %v", err)
			} else if n > 0 {
				log.Printf("[Sessions] removed %d expired sessions", n)
			}
		}
	}
}
