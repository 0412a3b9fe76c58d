package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/paystreamlabs/paystream/api/handlers"
	apimetrics "github.com/paystreamlabs/paystream/api/metrics"
	"github.com/paystreamlabs/paystream/settlement/pkg/journal"
	"github.com/paystreamlabs/paystream/settlement/pkg/payroll"
	"github.com/paystreamlabs/paystream/settlement/pkg/proof"
	"github.com/paystreamlabs/paystream/settlement/pkg/schedule"
	"github.com/paystreamlabs/paystream/settlement/pkg/settle"
	"github.com/paystreamlabs/paystream/settlement/pkg/vault"
	"github.com/paystreamlabs/paystream/utils/pkg/logger"
	"github.com/paystreamlabs/paystream/watcher/pkg/watcher"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "0.0.0.0:8080"
	defaultMetricsAddr = "0.0.0.0:0"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "Enable verbose (debug) logging")
	enablePprofFlag := flag.Bool("enable-pprof", false, "Enable pprof server")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "Address to listen on for the API")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	modeFlag := flag.String("mode", string(settle.ModeExternalRail), "Settlement mode: 'external' (payments move over an external rail) or 'custodial'")
	assetFlag := flag.String("asset", "usdc", "Asset name claims are denominated in")
	depositorFlag := flag.String("depositor", "", "Employer address authorized to deposit and withdraw (or set PAYSTREAM_DEPOSITOR env var)")
	databaseURLFlag := flag.String("database-url", "", "Postgres connection string for the settlement journal (or set DATABASE_URL env var); empty disables the journal")
	devRailFlag := flag.Bool("dev-rail", false, "Run an in-process watcher with a synthetic payment rail (development only)")
	watchIntervalFlag := flag.Duration("watch-interval", 15*time.Second, "Scan interval for the dev watcher")
	rateLimitFlag := flag.Float64("rate-limit", 5, "Per-IP requests per second on mutating endpoints (0 disables)")

	flag.Parse()

	// Optional .env for local development.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: os.Getenv("SENTRY_ENVIRONMENT"),
			Release:     version,
		}); err != nil {
			log.Warn("failed to initialize sentry, continuing without it", "error", err)
		} else {
			defer sentry.Flush(5 * time.Second)
		}
	}

	if *depositorFlag == "" {
		*depositorFlag = os.Getenv("PAYSTREAM_DEPOSITOR")
	}
	if *depositorFlag == "" {
		return errors.New("depositor address is required (-depositor or PAYSTREAM_DEPOSITOR)")
	}
	depositor, err := payroll.ParseAddress(*depositorFlag)
	if err != nil {
		return fmt.Errorf("invalid depositor address: %w", err)
	}
	if *databaseURLFlag == "" {
		*databaseURLFlag = os.Getenv("DATABASE_URL")
	}

	mode := settle.Mode(*modeFlag)
	if mode == settle.ModeCustodial {
		// Custodial payouts need a FundTransferor wired to a real custody
		// backend, which this binary does not ship.
		return errors.New("custodial mode is not supported by this binary; use external mode")
	}

	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	if *metricsAddrFlag != "" {
		apimetrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Drift between components is the one failure class that is swallowed by
	// design; make sure it reaches alerting.
	onDrift := func(kind string, employee payroll.Address, periodID uint64, err error) {
		sentry.CaptureException(fmt.Errorf("reconciliation drift (%s) employee=%s period=%d: %w", kind, employee, periodID, err))
	}

	scheduleStore, err := schedule.NewStore(schedule.StoreConfig{Logger: log})
	if err != nil {
		return fmt.Errorf("failed to create schedule store: %w", err)
	}
	verifier, err := proof.NewVerifier(proof.VerifierConfig{Logger: log})
	if err != nil {
		return fmt.Errorf("failed to create proof verifier: %w", err)
	}
	escrow, err := vault.New(vault.Config{
		Logger:    log,
		Schedule:  scheduleStore,
		Verifier:  verifier,
		Depositor: depositor,
		OnDrift:   onDrift,
	})
	if err != nil {
		return fmt.Errorf("failed to create vault: %w", err)
	}
	scheduleStore.SetSettlementNotifier(escrow)

	var journalStore *journal.Store
	if *databaseURLFlag != "" {
		journalStore, err = journal.NewStore(ctx, journal.Config{Logger: log, ConnStr: *databaseURLFlag})
		if err != nil {
			return fmt.Errorf("failed to create settlement journal: %w", err)
		}
		defer journalStore.Close()
		log.Info("settlement journal enabled")
	} else {
		log.Warn("settlement journal disabled, settlements will not be durably recorded")
	}

	settleCfg := settle.Config{
		Logger:  log,
		Vault:   escrow,
		Proofs:  verifier,
		Mode:    mode,
		OnDrift: onDrift,
	}
	if journalStore != nil {
		settleCfg.Journal = journalStore
	}
	orchestrator, err := settle.New(settleCfg)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	handlerCfg := handlers.Config{
		Logger:    log,
		Schedule:  scheduleStore,
		Vault:     escrow,
		Settler:   orchestrator,
		Asset:     *assetFlag,
		RateLimit: rate.Limit(*rateLimitFlag),
	}
	if journalStore != nil {
		handlerCfg.History = journalStore
	}
	h, err := handlers.New(handlerCfg)
	if err != nil {
		return fmt.Errorf("failed to create handlers: %w", err)
	}
	defer h.Close()

	server := &http.Server{
		Addr:              *listenAddrFlag,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api server listening", "address", *listenAddrFlag, "mode", mode, "version", version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if *devRailFlag {
		w, err := watcher.New(watcher.Config{
			Logger:   log,
			Schedule: scheduleStore,
			Rail:     devRail{},
			Settler:  orchestrator,
			Interval: *watchIntervalFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to create dev watcher: %w", err)
		}
		log.Warn("dev rail enabled: proofs are synthesized in-process without a real payment")
		g.Go(func() error { return w.Run(gctx) })
	}

	return g.Wait()
}

// devRail fabricates structural proofs without moving any funds. Development
// convenience only; it exercises the full settlement path end to end.
type devRail struct{}

func (devRail) Pay(ctx context.Context, employee payroll.Address, periodID, amount uint64) ([]byte, error) {
	// Random nonce suffix so a retried payout yields fresh proof bytes.
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], rand.Uint64())
	return append(proof.Encode(employee, periodID, amount), nonce[:]...), nil
}
