package commands

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btclog/v2"
	"github.com/spf13/cobra"

	"github.com/clusterkit/clusterkit/internal/admin"
	"github.com/clusterkit/clusterkit/internal/build"
	"github.com/clusterkit/clusterkit/internal/clusterkit"
	"github.com/clusterkit/clusterkit/internal/config"
	"github.com/clusterkit/clusterkit/internal/membership"
	"github.com/clusterkit/clusterkit/internal/pubsub"
	"github.com/clusterkit/clusterkit/internal/receptionist"
	"github.com/clusterkit/clusterkit/internal/sharding"
	"github.com/clusterkit/clusterkit/internal/singleton"
	"github.com/clusterkit/clusterkit/internal/transport"
)

var (
	runSelfAddr    string
	runLogDir      string
	runMaxLogFiles int
	runMaxLogSize  int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a cluster member",
	Long:  `run starts a member process: membership, the split-brain resolver, the receptionist, pub/sub, and the admin endpoint, and blocks until interrupted.`,
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&runSelfAddr, "listen", "",
		"This member's own address (overrides remote.artery.canonical.* in --config)")
	runCmd.Flags().StringVar(&runLogDir, "log-dir", "~/.clusterkit/logs",
		"Directory for log files (empty disables file logging)")
	runCmd.Flags().IntVar(&runMaxLogFiles, "max-log-files", build.DefaultMaxLogFiles,
		"Maximum number of rotated log files to keep")
	runCmd.Flags().IntVar(&runMaxLogSize, "max-log-file-size", build.DefaultMaxLogFileSize,
		"Maximum log file size in MB before rotation")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfgPathExpanded, err := config.ExpandHome(configPath)
	if err != nil {
		return err
	}

	selfAddr := runSelfAddr
	if selfAddr == "" {
		selfAddr = adminAddr
	}

	cfg, file, err := config.Load(cfgPathExpanded, selfAddr)
	if err != nil {
		return err
	}
	if runSelfAddr != "" {
		cfg.Transport.ListenAddr = runSelfAddr
	}

	logRotator, err := setupLogging(runLogDir, runMaxLogFiles, runMaxLogSize)
	if err != nil {
		log.Printf("failed to init log rotator: %v (continuing without file logging)", err)
	}
	if logRotator != nil {
		defer logRotator.Close()
	}

	sys, err := clusterkit.New(cfg)
	if err != nil {
		return fmt.Errorf("clusterkit-node: assembling system: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sys.Start(ctx); err != nil {
		return fmt.Errorf("clusterkit-node: starting system: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := sys.Shutdown(shutdownCtx); err != nil {
			log.Printf("system shutdown incomplete: %v", err)
		}
	}()

	if len(cfg.Membership.SeedNodes) > 0 {
		sys.Join(cfg.Membership.SeedNodes)
	}

	adminListenAddr := file.Admin.ListenAddr
	if adminListenAddr == "" {
		adminListenAddr = adminAddr
	}
	adminSrv := admin.NewServer(sys, adminListenAddr)
	go func() {
		if err := adminSrv.Start(); err != nil {
			log.Printf("admin server stopped: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		adminSrv.Shutdown(shutdownCtx)
	}()

	log.Printf("clusterkit-node listening on %s, admin endpoint on %s",
		cfg.Transport.ListenAddr, adminListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	log.Printf("received %v, initiating graceful shutdown (send again to force exit)...", sig)
	cancel()

	go func() {
		sig := <-sigCh
		log.Printf("received %v again, forcing immediate exit", sig)
		os.Exit(1)
	}()

	return nil
}

// setupLogging wires every subsystem's btclog logger to a console handler
// and, if logDir is non-empty, a rotating file handler as well, matching
// the teacher's dual-stream logging setup.
func setupLogging(logDir string, maxFiles, maxSizeMB int) (*build.RotatingLogWriter, error) {
	var handlers []btclog.Handler
	handlers = append(handlers, btclog.NewDefaultHandler(os.Stderr))

	var rotator *build.RotatingLogWriter
	if logDir != "" {
		expanded, err := config.ExpandHome(logDir)
		if err != nil {
			return nil, err
		}

		rotator = build.NewRotatingLogWriter()
		if err := rotator.InitLogRotator(&build.LogRotatorConfig{
			LogDir:         expanded,
			MaxLogFiles:    maxFiles,
			MaxLogFileSize: maxSizeMB,
		}); err != nil {
			return nil, err
		}

		handlers = append(handlers, btclog.NewDefaultHandler(rotator))

		multi := io.MultiWriter(os.Stderr, rotator)
		log.SetOutput(multi)
		log.SetFlags(log.LstdFlags)
	}

	combined := build.NewHandlerSet(handlers...)
	base := btclog.NewSLogger(combined)

	clusterkit.UseLogger(base.WithPrefix("CLKT"))
	membership.UseLogger(base.WithPrefix("MEMB"))
	receptionist.UseLogger(base.WithPrefix("RECP"))
	pubsub.UseLogger(base.WithPrefix("PBSB"))
	singleton.UseLogger(base.WithPrefix("SNGL"))
	sharding.UseLogger(base.WithPrefix("SHRD"))
	transport.UseLogger(base.WithPrefix("TRNS"))

	return rotator, nil
}
