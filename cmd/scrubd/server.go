package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/scrubd/internal/adapter"
	"github.com/kalambet/scrubd/internal/api"
	"github.com/kalambet/scrubd/internal/archive"
	"github.com/kalambet/scrubd/internal/config"
	"github.com/kalambet/scrubd/internal/deadletter"
	"github.com/kalambet/scrubd/internal/detect"
	"github.com/kalambet/scrubd/internal/extract"
	"github.com/kalambet/scrubd/internal/ingest"
	"github.com/kalambet/scrubd/internal/ledger"
	"github.com/kalambet/scrubd/internal/ops"
	"github.com/kalambet/scrubd/internal/pipeline"
	"github.com/kalambet/scrubd/internal/policy"
	"github.com/kalambet/scrubd/internal/reconcile"
	"github.com/kalambet/scrubd/internal/redact"
	"github.com/kalambet/scrubd/internal/scheduler"
	"github.com/kalambet/scrubd/internal/sign"
	"github.com/kalambet/scrubd/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the scrubd daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp-stdio")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running scrubd daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scrubd daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp-stdio", false, "serve the MCP operator tools on stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "scrubd.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// daemon is the wired process: every long-running component plus the
// services the surfaces call into.
type daemon struct {
	store     *storage.Store
	ledger    *ledger.Ledger
	pool      *scheduler.Pool
	watcher   *ingest.Watcher
	reconcile *reconcile.Service
	ops       *ops.Service
	health    *api.Health
	ready     atomic.Bool
}

func buildDaemon(cfg config.Config, logger *slog.Logger) (*daemon, error) {
	paths := cfg.Paths()
	for _, dir := range append(paths.All(), cfg.Watch.InboxDir) {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	d := &daemon{store: store}

	d.ledger = ledger.New(store, ledger.WithLogger(logger))

	var seed *policy.Policy
	if cfg.Policy.File != "" {
		data, err := os.ReadFile(cfg.Policy.File)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("reading policy file: %w", err)
		}
		p, err := policy.Parse(data)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("policy file %s: %w", cfg.Policy.File, err)
		}
		seed = &p
	}
	policies, err := policy.NewManager(store, seed)
	if err != nil {
		store.Close()
		return nil, err
	}

	signer, err := sign.LoadOrCreate(cfg.Sign.KeyPath)
	if err != nil {
		// A missing key fails jobs at Signing; the daemon still starts.
		logger.Error("signing key unavailable", "path", cfg.Sign.KeyPath, "error", err)
		signer = sign.New(cfg.Sign.KeyPath)
	}
	arch := archive.New(paths.Archive, signer)
	dlq := deadletter.New(store, d.ledger, paths.DeadLetter, paths.Processing)

	ocr := extract.NewTesseract(cfg.Extract.TesseractPath, nil, logger)
	pages := extract.NewPdftoppm(cfg.Extract.PdftoppmPath, cfg.Extract.OCRDPI, nil, logger)
	extractor := adapter.ExtractByType{
		adapter.MediaPDF:  extract.NewPDF(extract.WithOCR(pages, ocr), extract.WithLogger(logger)),
		adapter.MediaPNG:  ocr,
		adapter.MediaJPEG: ocr,
		adapter.MediaTIFF: ocr,
	}
	raster := redact.NewImage()
	redactor := adapter.RedactByType{
		adapter.MediaPDF:  redact.NewPDF(redact.WithRasterizer(pages)),
		adapter.MediaPNG:  raster,
		adapter.MediaJPEG: raster,
		adapter.MediaTIFF: raster,
	}
	detectors := []adapter.Detector{detect.NewRules()}
	if cfg.Detect.NEREnabled {
		detectors = append(detectors, detect.NewModel(cfg.Detect.NERURL))
	}

	orch := pipeline.New(pipeline.Deps{
		Store:       store,
		Ledger:      d.ledger,
		DeadLetters: dlq,
		Archive:     arch,
		Adapters: pipeline.Adapters{
			Extractor: extractor,
			Detectors: detectors,
			Redactor:  redactor,
			Signer:    signer,
		},
	}, pipeline.Config{
		StageTimeout: cfg.Pipeline.StageTimeout,
		MaxAttempts:  cfg.Pipeline.MaxAttempts,
		BackoffBase:  cfg.Pipeline.BackoffBase,
		BackoffMax:   cfg.Pipeline.BackoffMax,
		LedgerHold:   cfg.Pipeline.LedgerHold,
		RejectedDir:  paths.Rejected,
		OriginalsDir: paths.Originals,
	}, pipeline.WithLogger(logger))

	bootID := uuid.NewString()[:8]
	d.pool = scheduler.New(orch, scheduler.WorkerCount(cfg.Pipeline.MaxWorkers), bootID,
		scheduler.WithLogger(logger),
		scheduler.WithRequeueDelay(cfg.Pipeline.RequeueDelay),
	)

	intake := ingest.NewIntake(store, policies, d.pool, dlq, ingest.Dirs{
		Processing: paths.Processing,
		Duplicates: paths.Duplicates,
	})
	d.watcher = ingest.NewWatcher(cfg.Watch.InboxDir, cfg.Watch.Debounce, func(ctx context.Context, path string) {
		res, err := intake.Accept(ctx, path)
		if err != nil {
			logger.Error("intake failed", "job_id", res.JobID, "error", err)
			return
		}
		if res.Duplicate {
			logger.Info("duplicate dropped", "job_id", res.JobID)
		}
	}, ingest.WithWatcherLogger(logger))

	d.reconcile = reconcile.New(store, arch, intake, d.pool, paths.Processing, bootID+"/reconcile",
		reconcile.Limits{MaxAge: cfg.Pipeline.MaxJobAge, MaxAttempts: cfg.Pipeline.MaxAttempts},
		reconcile.WithLogger(logger),
	)
	d.ops = ops.New(store, d.ledger, policies, dlq, d.pool)
	d.health = api.NewHealth()
	return d, nil
}

// run blocks until ctx ends. Reconciliation completes before the pool and
// watcher start; readiness flips once it has.
func (d *daemon) run(ctx context.Context, cfg config.Config, token string, mcpStdio bool, logger *slog.Logger) error {
	ledgerCtx, stopLedger := context.WithCancel(context.Background())
	ledgerDone := make(chan struct{})
	go func() {
		d.ledger.Run(ledgerCtx)
		close(ledgerDone)
	}()
	// The ledger outlives the workers so in-flight facts still commit.
	defer func() {
		stopLedger()
		<-ledgerDone
	}()

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, cfg.Server.MaxConnections)
	srv := &http.Server{
		Handler:           api.NewHandler(api.Deps{Ops: d.ops, Token: token, Ready: d.ready.Load, Logger: logger}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "scrubd listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.Server.GRPCHealthPort != 0 {
		haddr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.GRPCHealthPort)
		hln, err := net.Listen("tcp", haddr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", haddr, err)
		}
		g.Go(func() error { return d.health.Serve(gctx, hln) })
	}

	if mcpStdio {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(d.ops, version))
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		logger.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		rep, err := d.reconcile.Run(gctx)
		if err != nil {
			return fmt.Errorf("reconciliation: %w", err)
		}
		logger.Info("reconciliation complete",
			"released", rep.Released,
			"resumed", rep.Resumed,
			"rolled_back", rep.RolledBack,
			"dead_lettered", rep.DeadLettered,
			"adopted", rep.Adopted,
		)
		d.ready.Store(true)
		d.health.MarkReady()

		work, wctx := errgroup.WithContext(gctx)
		work.Go(func() error { return d.pool.Run(wctx) })
		work.Go(func() error { return d.watcher.Run(wctx) })
		return work.Wait()
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "scrubd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	token, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("scrubd is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("scrubd is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := buildDaemon(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	err = d.run(ctx, cfg, token, mcpStdio, logger)
	fmt.Fprintln(os.Stderr, "shut down")
	return err
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("scrubd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop scrubd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to scrubd (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		running = true
		printStatus("Server", "running on port %d", cfg.Server.Port)
	case resp.StatusCode == http.StatusServiceUnavailable:
		resp.Body.Close()
		printStatus("Server", "reconciling on port %d", cfg.Server.Port)
	default:
		resp.Body.Close()
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
	}

	if running {
		if c, err := newAPIClient(); err == nil {
			if st, err := fetchStats(ctx, c); err == nil {
				printStats(os.Stderr, st)
			}
		}
	}

	printStatus("Inbox", "%s", cfg.Watch.InboxDir)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
