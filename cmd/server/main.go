package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/xtding233/reindeer-gacha/internal/config"
	"github.com/xtding233/reindeer-gacha/internal/events"
	"github.com/xtding233/reindeer-gacha/internal/gacha"
	"github.com/xtding233/reindeer-gacha/internal/presence"
	"github.com/xtding233/reindeer-gacha/internal/reward"
	"github.com/xtding233/reindeer-gacha/internal/storage"
	"github.com/xtding233/reindeer-gacha/internal/storage/memory"
	"github.com/xtding233/reindeer-gacha/internal/storage/sqlstore"
	"github.com/xtding233/reindeer-gacha/internal/transport/httpapi"
	"github.com/xtding233/reindeer-gacha/internal/transport/rpc"
	"github.com/xtding233/reindeer-gacha/internal/transport/ws"
	"github.com/xtding233/reindeer-gacha/internal/twitch"
)

const (
	eventBuffer     = 256
	shutdownTimeout = 10 * time.Second
)

func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	if cfg.StoreDriver == "memory" {
		log.Println("[server] using in-memory store, state is lost on exit")
		return memory.New(), nil
	}
	return sqlstore.Open(ctx, cfg.StoreDriver, cfg.StoreDSN)
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	loader := config.NewLoader(cfg.ConfigDir, cfg.RatesEvent)
	rates, err := loader.Rates()
	if err != nil {
		return err
	}
	engine, err := reward.NewEngine(store, rates, gacha.DefaultRNG())
	if err != nil {
		return err
	}

	broadcaster := events.NewBroadcaster(eventBuffer)
	viewers := twitch.NewHelixViewers(cfg.TwitchCredentials(), nil)
	monitor, err := presence.New(presence.Deps{
		Provider: viewers,
		Entities: store,
		Emitter:  broadcaster,
	}, cfg.Presence())
	if err != nil {
		return err
	}

	coord, err := reward.NewCoordinator(reward.Deps{
		Engine:   engine,
		Tracker:  reward.NewTracker(store, store),
		Entities: store,
		Audit:    store,
		Presence: monitor,
		Emitter:  broadcaster,
	}, cfg.Reward())
	if err != nil {
		return err
	}

	api := httpapi.New(httpapi.Deps{
		Rewards:    coord,
		Presence:   monitor,
		Entities:   store,
		Audit:      store,
		Deliveries: store,
		Overlay:    ws.NewHub(broadcaster, monitor),
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcSrv := grpc.NewServer()
	rpcSvc := rpc.NewService(coord, broadcaster)
	rpc.Register(grpcSrv, rpcSvc)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("[server] http listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Printf("[server] grpc listening on %s", cfg.GRPCAddr)
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		if err := monitor.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := config.WatchRates(gctx, loader, cfg.ReloadInterval, engine.SetRates)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("[server] shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		rpc.Stop(grpcSrv, rpcSvc, shutdownTimeout)
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("[server] %v", err)
	}
}
