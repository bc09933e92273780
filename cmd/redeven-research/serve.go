package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/floegence/redeven-research/internal/agent"
	"github.com/floegence/redeven-research/internal/auditlog"
	"github.com/floegence/redeven-research/internal/research"
	"github.com/floegence/redeven-research/internal/server"
	"github.com/floegence/redeven-research/internal/store"
)

func serveCmd(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Config file path (default: ~/.redeven-research/config.json)")
	envFile := fs.String("env-file", ".env", "Environment file with provider API keys")
	listen := fs.String("listen", "", "Listen address host:port (empty: config listen_addr)")
	origins := fs.String("allowed-origins", "", "Comma-separated browser origins allowed to open the WebSocket")
	_ = fs.Parse(args)

	if err := loadEnv(*envFile, flagSet(fs, "env-file")); err != nil {
		fail("failed to load env file: %v", err)
	}
	cfg, path, err := loadConfig(*cfgPath, strings.TrimSpace(*cfgPath) != "")
	if err != nil {
		fail("%v", err)
	}
	if err := cfg.Validate(); err != nil {
		fail("invalid config: %v", err)
	}
	log, err := newLogger(os.Stdout, cfg.EffectiveLogFormat(), cfg.EffectiveLogLevel())
	if err != nil {
		fail("invalid logging config: %v", err)
	}

	dataDir := cfg.EffectiveDataDir(path)
	st, err := store.Open(dataDir)
	if err != nil {
		fail("failed to open store: %v", err)
	}
	defer st.Close()
	audit, err := auditlog.New(auditlog.Options{Log: log, Dir: filepath.Join(dataDir, "audit")})
	if err != nil {
		fail("failed to open audit log: %v", err)
	}

	svc, err := research.New(research.Options{
		Log:     log,
		Config:  cfg,
		Store:   st,
		Audit:   audit,
		Metrics: agent.DefaultMetrics(),
	})
	if err != nil {
		fail("failed to init research service: %v", err)
	}

	addr := strings.TrimSpace(*listen)
	if addr == "" {
		addr = cfg.EffectiveListenAddr()
	}
	var allowed []string
	for _, o := range strings.Split(*origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			allowed = append(allowed, o)
		}
	}
	srv, err := server.New(server.Options{
		Log:            log,
		ListenAddr:     addr,
		Service:        svc,
		AllowedOrigins: allowed,
		Version:        Version,
	})
	if err != nil {
		fail("failed to init server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(context.Background()); err != nil {
		fail("failed to start server: %v", err)
	}
	<-ctx.Done()
	for _, id := range svc.Active() {
		_ = svc.Cancel(id, "shutdown")
	}
	_ = srv.Close()
	log.Info("research server stopped")
}

func flagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}
