package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"golang.org/x/sync/errgroup"

	persistlog "cubeworld.ai/internal/persistence/log"
	"cubeworld.ai/internal/sim/blocks"
	"cubeworld.ai/internal/sim/tuning"
	"cubeworld.ai/internal/sim/world"
	"cubeworld.ai/internal/transport/observer"
	"cubeworld.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		worldID    = flag.String("world", "OVERWORLD", "world id")
		seed       = flag.Int64("seed", 0, "terrain seed (0: use tuning)")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		storeKind  = flag.String("store", "sqlite", "cube store: sqlite|leveldb|memory")
		upstream   = flag.String("upstream", "", "observer ws url to mirror (client side only)")
		loopback   = flag.Bool("observer_loopback_only", false, "reject observer connections from non-loopback addresses")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}
	if *seed != 0 {
		tune.Terrain.Seed = *seed
	}

	reg, err := blocks.Load(filepath.Join(*configDir, "blocks.json"))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Fatalf("load blocks: %v", err)
		}
		reg = blocks.Default()
	}

	cfg, err := world.ConfigFromTuning(*worldID, tune)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	if err := os.MkdirAll(worldDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	deps := world.Deps{Blocks: reg, Log: logger}
	var st *storeRuntime
	if cfg.Side == world.SideServer {
		g, err := newGenerator(tune, reg)
		if err != nil {
			logger.Fatalf("terrain: %v", err)
		}
		deps.Generator = g

		st, err = openStore(*storeKind, worldDir, *worldID, tune, reg, logger)
		if err != nil {
			logger.Fatalf("open store: %v", err)
		}
		deps.Store = st.store

		events := persistlog.NewCacheEventLogger(worldDir)
		audit := persistlog.NewAuditLogger(worldDir)
		defer func() {
			logger.Printf("event log: %d cache events, %d audit entries", events.Lines(), audit.Lines())
			_ = events.Close()
			_ = audit.Close()
		}()
		deps.Events = events
		deps.Audit = audit
	} else if strings.TrimSpace(*upstream) == "" {
		logger.Fatalf("client side needs -upstream")
	}

	w, err := world.New(cfg, deps)
	if err != nil {
		logger.Fatalf("world: %v", err)
	}
	logger.Printf("world %s side=%s store=%s cube_y=[%d,%d]", cfg.ID, cfg.Side, *storeKind, cfg.Cache.MinCubeY, cfg.Cache.MaxCubeY)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})

	var obsSrv *observer.Server
	if cfg.Side == world.SideServer {
		obsSrv = observer.NewServer(w, logger, observer.Options{LoopbackOnly: *loopback})
		mux.HandleFunc("/v1/observer/bootstrap", obsSrv.BootstrapHandler())
		mux.HandleFunc("/v1/observer", obsSrv.WSHandler())
	}
	var mirror *ws.Client
	if cfg.Side == world.SideClient {
		mirror = ws.NewClient(w, logger)
		g.Go(func() error {
			err := mirror.Run(ctx, *upstream, mgl64.Vec3{})
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, cfg.ID, w.Metrics(), obsSrv, mirror)
	})
	mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopback(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		resp := struct {
			WorldID string             `json:"world_id"`
			Tick    uint64             `json:"tick"`
			Metrics world.WorldMetrics `json:"metrics"`
		}{
			WorldID: cfg.ID,
			Tick:    w.CurrentTick(),
			Metrics: w.Metrics(),
		}
		_ = json.NewEncoder(rw).Encode(resp)
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logger.Printf("listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})

	runErr := g.Wait()

	// The loop has returned; flush what is still resident.
	if err := w.Close(); err != nil {
		logger.Printf("world close: %v", err)
	}
	if st != nil {
		if err := st.Close(w.CurrentTick()); err != nil {
			logger.Printf("store close: %v", err)
		}
	}
	if runErr != nil {
		logger.Fatalf("server: %v", runErr)
	}
	logger.Printf("stopped at tick %d", w.CurrentTick())
}
