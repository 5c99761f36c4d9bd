package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"vesselctl/internal/allocator"
	"vesselctl/internal/config"
	"vesselctl/internal/fleet"
	"vesselctl/internal/identity"
	"vesselctl/internal/journal"
	"vesselctl/internal/metrics"
	"vesselctl/internal/status"
	"vesselctl/internal/stunutil"
)

const usage = `vesselctl - keep a fleet of leased vessels running a program

Usage:
  vesselctl run --config <path> [--count N] [--type wan|lan|nat|random] [--program <file>] [-- extra args]
  vesselctl vessels --config <path>
  vesselctl release --config <path>
  vesselctl keygen --username <name> [--key-dir <dir>] [--config <path>]
`

const stunTimeout = 5 * time.Second

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "run":
		handleRun(os.Args[2:])
	case "vessels":
		handleVessels(os.Args[2:])
	case "release":
		handleRelease(os.Args[2:])
	case "keygen":
		handleKeygen(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleRun(args []string) {
	fs := pflag.NewFlagSet("run", pflag.ExitOnError)
	configPath := fs.String("config", "vesselctl.yaml", "path to YAML config")
	count := fs.Int("count", 0, "number of vessels to keep running")
	slotType := fs.String("type", "", "vessel type: wan, lan, nat or random")
	program := fs.String("program", "", "program to deploy")
	logFile := fs.String("log-file", "", "journal path")
	logLevel := fs.String("log-level", "info", "operator log level")
	statusListen := fs.String("status-listen", "", "status server listen address")
	_ = fs.Parse(args)

	log := newLogger(*logLevel)
	cfg, err := config.Load(*configPath)
	fatal(err)
	if *count > 0 {
		cfg.DesiredCount = *count
	}
	if *slotType != "" {
		cfg.SlotType = *slotType
	}
	if *program != "" {
		cfg.Program = *program
	}
	if *logFile != "" {
		cfg.LogFile = *logFile
	}
	if *statusListen != "" {
		cfg.StatusListen = *statusListen
	}
	fatal(config.Validate(cfg))

	ctx, cancel := signalContext()
	defer cancel()

	client := newClient(cfg)
	fc, err := fleet.Init(ctx, client, fleet.Params{
		Username:       cfg.Username,
		PublicKeyPath:  cfg.PublicKeyPath(),
		PrivateKeyPath: cfg.PrivateKeyPath(),
		DesiredCount:   cfg.DesiredCount,
		SlotType:       cfg.SlotType,
		ProgramPath:    cfg.Program,
		ProgramArgs:    cfg.ProgramArgs,
		ExtraArgs:      fs.Args(),
	})
	fatal(err)

	j, err := journal.Open(cfg.LogFile, journal.WithMirror(log))
	fatal(err)
	defer j.Close()

	runID := uuid.NewString()
	header := journal.Header{
		Username:     fc.Identity.Username,
		Fingerprint:  fc.Identity.Fingerprint,
		RunID:        runID,
		DesiredCount: fc.DesiredCount,
		SlotType:     string(fc.SlotType),
		Program:      filepath.Base(fc.ProgramPath),
	}
	if len(cfg.STUNServers) > 0 {
		mapping, err := stunutil.Discover(ctx, cfg.STUNServers, stunTimeout)
		if err != nil {
			log.WithError(err).Warn("public address discovery failed")
		} else {
			header.PublicAddress = mapping.Addr
			header.NATType = string(mapping.NAT)
		}
	}
	fatal(j.WriteHeader(header))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	fatal(err)

	rec := fleet.NewReconciler(client, fc, fleet.Options{
		Journal:          j,
		Logger:           log.WithField("run", runID),
		Metrics:          m,
		PollInterval:     cfg.PollInterval,
		LivenessEvery:    cfg.LivenessEvery,
		RenewalPeriod:    cfg.RenewalPeriod,
		Concurrency:      cfg.BatchConcurrency,
		Backoff:          cfg.BootstrapBackoff,
		LocationCacheTTL: cfg.LocationCacheTTL,
	})

	log.WithFields(logrus.Fields{
		"user":    fc.Identity.Username,
		"desired": fc.DesiredCount,
		"type":    fc.SlotType,
		"port":    fc.Port,
		"journal": cfg.LogFile,
	}).Info("starting fleet")

	var served <-chan struct{}
	if cfg.StatusListen != "" {
		served = status.NewServer(cfg.StatusListen, rec, reg, log).Start(ctx)
	}
	err = rec.Run(ctx)
	if served != nil {
		<-served
	}
	if errors.Is(err, context.Canceled) {
		log.Info("stopped")
		return
	}
	_ = j.Close()
	fatal(err)
}

func handleVessels(args []string) {
	fs := pflag.NewFlagSet("vessels", pflag.ExitOnError)
	configPath := fs.String("config", "vesselctl.yaml", "path to YAML config")
	_ = fs.Parse(args)

	cfg, id := loadIdentity(*configPath)
	ctx, cancel := signalContext()
	defer cancel()

	client := newClient(cfg)
	handles, err := client.Acquired(ctx, id)
	fatal(err)
	if len(handles) == 0 {
		fmt.Printf("%s holds no vessels\n", id.Username)
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VESSEL\tSTATUS\tLOCATION")
	for _, h := range handles {
		state, err := client.Status(ctx, id, h)
		text := string(state)
		if err != nil {
			text = "unreachable"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", h, text, client.Location(ctx, h.NodeID()))
	}
	_ = tw.Flush()
}

func handleRelease(args []string) {
	fs := pflag.NewFlagSet("release", pflag.ExitOnError)
	configPath := fs.String("config", "vesselctl.yaml", "path to YAML config")
	logLevel := fs.String("log-level", "warn", "operator log level")
	_ = fs.Parse(args)

	cfg, id := loadIdentity(*configPath)
	ctx, cancel := signalContext()
	defer cancel()

	batch := fleet.NewBatch(newClient(cfg), &fleet.FleetConfig{Identity: id}, fleet.Options{
		Journal: journal.New(os.Stdout),
		Logger:  newLogger(*logLevel),
	})
	released, err := batch.ReleaseHeld(ctx)
	fatal(err)
	if len(released) == 0 {
		fmt.Printf("%s holds no vessels\n", id.Username)
	}
}

func handleKeygen(args []string) {
	fs := pflag.NewFlagSet("keygen", pflag.ExitOnError)
	username := fs.String("username", "", "identity name")
	keyDir := fs.String("key-dir", config.DefaultKeyDir, "directory for the key files")
	configPath := fs.String("config", "", "also write a starter config here if none exists")
	_ = fs.Parse(args)

	if strings.TrimSpace(*username) == "" {
		fatal(errors.New("--username is required"))
	}
	cfg := config.Config{Username: *username, KeyDir: *keyDir}
	fatal(os.MkdirAll(cfg.KeyDir, 0o700))

	id, keys, err := identity.Generate(cfg.Username)
	fatal(err)
	fatal(keys.WriteFiles(cfg.PublicKeyPath(), cfg.PrivateKeyPath()))
	fmt.Printf("wrote %s and %s\nfingerprint %s\n", cfg.PublicKeyPath(), cfg.PrivateKeyPath(), id.Fingerprint)

	if *configPath == "" {
		return
	}
	if _, err := os.Stat(*configPath); err == nil {
		fmt.Printf("%s exists, left unchanged\n", *configPath)
		return
	}
	fatal(config.Save(*configPath, cfg))
	fmt.Printf("wrote %s; set desired_count, slot_type, program and allocator.url before running\n", *configPath)
}

func loadIdentity(path string) (config.Config, *identity.Identity) {
	cfg, err := config.Load(path)
	fatal(err)
	if cfg.Username == "" || cfg.Allocator.URL == "" {
		fatal(errors.New("username and allocator.url are required"))
	}
	id, err := identity.LoadFiles(cfg.Username, cfg.PublicKeyPath(), cfg.PrivateKeyPath())
	fatal(err)
	return cfg, id
}

func newClient(cfg config.Config) *allocator.Client {
	return allocator.NewClient(cfg.Allocator.URL, allocator.ClientOptions{
		Timeout:           cfg.Allocator.Timeout,
		RequestsPerSecond: cfg.Allocator.RequestsPerSecond,
		Burst:             cfg.Allocator.Burst,
	})
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.Out = os.Stderr
	log.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		fatal(fmt.Errorf("invalid --log-level: %w", err))
	}
	log.SetLevel(lvl)
	return log
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
