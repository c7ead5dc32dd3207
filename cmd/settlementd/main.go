package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/digitalruble/settlement-core/pkg/auditstore"
	"github.com/digitalruble/settlement-core/pkg/authority"
	"github.com/digitalruble/settlement-core/pkg/config"
	"github.com/digitalruble/settlement-core/pkg/consensus"
	"github.com/digitalruble/settlement-core/pkg/contract"
	"github.com/digitalruble/settlement-core/pkg/kvdb"
	"github.com/digitalruble/settlement-core/pkg/ledger"
	"github.com/digitalruble/settlement-core/pkg/metrics"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("starting settlement core")

	var (
		devMode  = flag.Bool("dev", false, "relax configuration validation for local development")
		showHelp = flag.Bool("help", false, "show help message")
	)
	flag.Parse()
	if *showHelp {
		printHelp()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if *devMode {
		if err := cfg.ValidateForDevelopment(); err != nil {
			log.Fatalf("invalid development configuration: %v", err)
		}
	} else {
		if err := cfg.Validate(); err != nil {
			log.Fatalf("invalid configuration: %v", err)
		}
	}

	genesis, err := config.LoadGenesis(cfg.GenesisPath)
	if err != nil {
		log.Printf("[genesis] could not load %s (%v) -- falling back to a generated replica set of size %d",
			cfg.GenesisPath, err, cfg.ReplicaCount)
		genesis = generatedGenesis(cfg.ReplicaCount)
	}

	kv, closeKV := openKV(cfg)
	defer closeKV()

	l, err := openLedger(kv)
	if err != nil {
		log.Fatalf("failed to open ledger: %v", err)
	}
	log.Printf("[ledger] opened at height %d, tip %s", l.Height(), l.TipHash())

	auditSink, err := auditstore.Open(cfg)
	if err != nil {
		if cfg.AuditStoreRequired {
			log.Fatalf("[auditstore] connection required but failed: %v", err)
		}
		log.Printf("[auditstore] durable audit sink disabled: %v", err)
		auditSink = nil
	} else if auditSink == nil {
		log.Printf("[auditstore] no AUDIT_DATABASE_URL configured -- running with in-memory audit log only")
	} else {
		log.Printf("[auditstore] durable audit sink connected")
	}
	defer auditSink.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	registry := contract.NewRegistry()

	a := authority.NewAuthority(authority.Config{
		Ledger:           l,
		Registry:         registry,
		Logger:           log.New(log.Writer(), "[authority] ", log.LstdFlags),
		SigningSecret:    []byte(cfg.SigningSecret),
		WalletExpiry:     cfg.WalletExpiry,
		WalletMaxBalance: cfg.WalletMaxBalance,
		MinTxAmount:      cfg.MinTransactionAmount,
		AuditSink:        auditSink,
		Metrics:          m,
	})

	monitor := consensus.NewRoundMonitor(consensus.DefaultMonitorConfig())
	monitor.SetOnStallDetected(func(lastHeight uint64, stallDuration time.Duration) {
		log.Printf("[consensus] stalled at height %d for %s -- no block committed", lastHeight, stallDuration)
	})
	monitor.SetOnRecovery(func(height uint64) {
		log.Printf("[consensus] recovered, committing again at height %d", height)
	})

	engine, err := consensus.NewEngine(consensus.Config{
		ReplicaIDs:     genesis.ReplicaIDs(),
		Ledger:         l,
		Validator:      a,
		RoundTimeout:   cfg.RoundTimeout,
		BlockSizeLimit: cfg.BlockSizeLimit,
		Logger:         log.New(log.Writer(), "[consensus] ", log.LstdFlags),
		OnViewChange: func(newView uint64) {
			m.ObserveViewChange(newView)
			monitor.NotifyViewChange(newView)
		},
	})
	if err != nil {
		log.Fatalf("failed to construct consensus engine: %v", err)
	}
	a.SetEngine(engine)
	log.Printf("[consensus] chain %s, %d replicas, leader %s", genesis.ChainID, len(genesis.Validators), engine.Leader())

	if err := monitor.Start(l); err != nil {
		log.Fatalf("failed to start round monitor: %v", err)
	}
	defer monitor.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		height, tip := a.LedgerInfo()
		fmt.Fprintf(w, "ok height=%d tip=%s\n", height, tip)
	})
	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runProcessingLoop(ctx, a, cfg.RoundTimeout)

	go func() {
		log.Printf("metrics/health listening on %s", cfg.MetricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metrics server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down settlement core")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}

	log.Printf("settlement core stopped")
}

// runProcessingLoop repeatedly drains the pending submission queue through
// one consensus round every interval. A ConsensusTimeout is logged and
// retried on the next tick; the same pending transactions remain queued.
func runProcessingLoop(ctx context.Context, a *authority.Authority, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			roundCtx, cancel := context.WithTimeout(ctx, interval)
			b, err := a.ProcessPending(roundCtx)
			cancel()
			if err != nil {
				var fatal *authority.FatalInvariantError
				if asFatalInvariantError(err, &fatal) {
					log.Fatalf("fatal invariant violation, halting: %v", fatal)
				}
				log.Printf("process pending: %v", err)
				continue
			}
			if b != nil {
				log.Printf("committed block height=%d transactions=%d", b.Height, len(b.Transactions))
			}
		}
	}
}

func asFatalInvariantError(err error, target **authority.FatalInvariantError) bool {
	fe, ok := err.(*authority.FatalInvariantError)
	if ok {
		*target = fe
	}
	return ok
}

func openKV(cfg *config.Config) (kv ledger.KV, closeFn func()) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Printf("[ledger] could not create data dir %s (%v) -- falling back to an in-memory ledger", cfg.DataDir, err)
		return ledger.NewMemKV(), func() {}
	}

	db, err := dbm.NewGoLevelDB("settlement-ledger", cfg.DataDir)
	if err != nil {
		log.Printf("[ledger] could not open embedded database in %s (%v) -- falling back to an in-memory ledger", cfg.DataDir, err)
		return ledger.NewMemKV(), func() {}
	}
	log.Printf("[ledger] opened embedded database at %s", filepath.Join(cfg.DataDir, "settlement-ledger.db"))
	return kvdb.NewAdapter(db), func() {
		if err := db.Close(); err != nil {
			log.Printf("[ledger] error closing embedded database: %v", err)
		}
	}
}

func openLedger(kv ledger.KV) (*ledger.Ledger, error) {
	l, err := ledger.Open(kv)
	if err == nil {
		return l, nil
	}
	return ledger.NewGenesis(kv, time.Now())
}

func generatedGenesis(replicaCount int) *config.Genesis {
	g := &config.Genesis{ChainID: "settlement-simulation"}
	for i := 0; i < replicaCount; i++ {
		g.Validators = append(g.Validators, config.GenesisValidator{ID: fmt.Sprintf("replica-%d", i)})
	}
	return g
}

func printHelp() {
	fmt.Println(`settlementd -- in-process CBDC settlement core simulation

Usage:
  settlementd [flags]

Flags:
  -dev     relax configuration validation for local development
  -help    show this help message

Configuration is read from environment variables; see pkg/config for the
full list of knobs and their defaults.`)
}
