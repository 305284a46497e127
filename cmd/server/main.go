package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/veildex/engine/internal/custody"
	"github.com/veildex/engine/internal/game"
	"github.com/veildex/engine/internal/margin"
	"github.com/veildex/engine/internal/metrics"
	"github.com/veildex/engine/internal/model"
	"github.com/veildex/engine/internal/mpc"
	"github.com/veildex/engine/internal/oracle"
	"github.com/veildex/engine/internal/perps"
	"github.com/veildex/engine/internal/store"
	"github.com/veildex/engine/internal/stream"
)

const poolName = "main"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Confidential computer ---
	// The in-process evaluator produces bit-identical results to the
	// confidential backend, so the services are agnostic to which runs.
	computer := mpc.NewLocal(nil)

	// --- Price oracle ---
	prices := oracle.NewStatic(envDuration("ORACLE_MAX_PRICE_AGE", 0))
	if err := seedPrices(prices); err != nil {
		slog.Error("invalid ORACLE_PRICES", "err", err)
		os.Exit(1)
	}

	// --- Custody and pool bootstrap ---
	if err := bootstrapVault(context.Background(), st, prices.Assets()); err != nil {
		slog.Error("vault bootstrap failed", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	hub := stream.NewHub()
	go hub.Run()

	// --- Services ---
	gameSvc := game.NewService(st, computer, hub)
	perpsSvc := perps.NewService(st, computer, prices, perps.Config{
		MinInitialLeverageBps: envUint("MIN_INITIAL_LEVERAGE_BPS", 11000),  // 1.1x
		MaxInitialLeverageBps: envUint("MAX_INITIAL_LEVERAGE_BPS", 200000), // 20x
		SpreadBps:             envUint("TRADE_SPREAD_BPS", 10),
		PoolName:              poolName,
	}, hub)

	// Background liquidation sweep.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go perpsSvc.RunSweeper(sweepCtx, envDuration("LIQUIDATION_SWEEP_INTERVAL", 15*time.Second))

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"veildex-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time game and position events.
		r.Get("/ws", hub.HandleWS)

		// Blackjack games.
		r.Post("/games", gameSvc.CreateGame)
		r.Get("/games/{gameID}", gameSvc.GetGame)
		r.Post("/games/{gameID}/hit", gameSvc.Hit)
		r.Post("/games/{gameID}/stand", gameSvc.Stand)
		r.Post("/games/{gameID}/double-down", gameSvc.DoubleDown)
		r.Post("/games/{gameID}/dealer-play", gameSvc.DealerPlay)
		r.Post("/games/{gameID}/resolve", gameSvc.Resolve)
		r.Get("/players/{playerID}/games", gameSvc.ListGames)

		// Perpetual positions.
		r.Get("/quote", perpsSvc.Quote)
		r.Post("/positions", perpsSvc.OpenPosition)
		r.Get("/positions/{positionID}", perpsSvc.GetPosition)
		r.Get("/positions/{positionID}/value", perpsSvc.GetValue)
		r.Post("/positions/{positionID}/collateral/add", perpsSvc.AddCollateral)
		r.Post("/positions/{positionID}/collateral/remove", perpsSvc.RemoveCollateral)
		r.Post("/positions/{positionID}/close", perpsSvc.ClosePosition)
		r.Post("/positions/{positionID}/liquidate", perpsSvc.Liquidate)
		r.Get("/owners/{owner}/positions", perpsSvc.ListPositions)

		// Pool liquidity and swaps.
		r.Post("/liquidity/add", perpsSvc.AddLiquidity)
		r.Post("/liquidity/remove", perpsSvc.RemoveLiquidity)
		r.Post("/swap", perpsSvc.Swap)
		r.Get("/pool", perpsSvc.GetPool)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("veildex-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down veildex-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("veildex-engine stopped")
}

// seedPrices loads ORACLE_PRICES ("SOL=150.25,BTC=64000") into the oracle.
func seedPrices(prices *oracle.Static) error {
	spec := os.Getenv("ORACLE_PRICES")
	if spec == "" {
		spec = "SOL=150"
	}
	for _, pair := range strings.Split(spec, ",") {
		asset, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return fmt.Errorf("malformed price pair %q", pair)
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return fmt.Errorf("price for %s: %w", asset, err)
		}
		fixed, err := model.USDFromDecimal(d)
		if err != nil {
			return fmt.Errorf("price for %s: %w", asset, err)
		}
		if err := prices.SetPrice(asset, fixed); err != nil {
			return err
		}
	}
	return nil
}

// bootstrapVault creates the pool and a custody per priced asset if the
// store does not already hold them.
func bootstrapVault(ctx context.Context, st store.Store, assets []string) error {
	if _, err := st.GetPool(ctx, poolName); err != nil {
		pool := custody.NewPool(poolName)
		if err := st.SavePool(ctx, pool.Snapshot()); err != nil {
			return err
		}
		slog.Info("pool created", "name", poolName)
	}

	limits := custody.Limits{
		MaxPositionLockedUSD: envUSD("MAX_POSITION_LOCKED_USD", 250_000),
		MaxTotalLockedUSD:    envUSD("MAX_TOTAL_LOCKED_USD", 5_000_000),
	}
	rates := custody.Rates{
		AddLiquidity:    envUint("FEE_ADD_LIQUIDITY_BPS", 10),
		RemoveLiquidity: envUint("FEE_REMOVE_LIQUIDITY_BPS", 10),
		SwapIn:          envUint("FEE_SWAP_IN_BPS", 10),
		SwapOut:         envUint("FEE_SWAP_OUT_BPS", 10),
		OpenPosition:    envUint("FEE_OPEN_POSITION_BPS", 10),
		ClosePosition:   envUint("FEE_CLOSE_POSITION_BPS", 10),
		Liquidation:     envUint("FEE_LIQUIDATION_BPS", 10),
	}
	fees := margin.FeeParams{
		Mode:               margin.FeesLinear,
		UtilizationMult:    envUint("FEE_UTILIZATION_MULT_BPS", 20),
		FeeOptimal:         envUint("FEE_OPTIMAL_BPS", 30),
		FeeMax:             envUint("FEE_MAX_BPS", 200),
		OptimalUtilization: envUint("OPTIMAL_UTILIZATION_BPS", 8000),
	}

	for _, asset := range assets {
		if _, err := st.GetCustody(ctx, asset); err == nil {
			continue
		}
		cust := custody.New(asset, limits, rates, fees)
		if err := st.SaveCustody(ctx, cust.Snapshot()); err != nil {
			return err
		}
		slog.Info("custody created", "asset", asset)
	}
	return nil
}

func envUint(key string, def uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
		slog.Warn("invalid uint env, using default", "key", key, "default", def)
	}
	return def
}

// envUSD reads a whole-dollar env value into 8-decimal fixed point.
func envUSD(key string, defDollars uint64) uint64 {
	return envUint(key, defDollars) * 100_000_000
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("invalid duration env, using default", "key", key, "default", def)
	}
	return def
}
