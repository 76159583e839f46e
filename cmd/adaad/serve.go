package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/api"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/kernelruntime"
)

// runServeCmd boots the substrate and serves the read-only API until SIGINT or
// SIGTERM. SIGHUP reloads the constitution.
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		lf   ledgerFlags
		port string
	)
	lf.register(cmd)
	cmd.StringVar(&port, "port", "", "Listen port (default from PORT)")
	if err := cmd.Parse(args); err != nil {
		return exitRuntime
	}
	cfg, err := lf.config()
	if err != nil {
		return fail(stderr, "%v", err)
	}
	if port != "" {
		cfg.API.Port = port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := kernelruntime.Boot(ctx, cfg)
	if err != nil {
		return fail(stderr, "boot: %v", err)
	}
	defer func() { _ = rt.Close(context.WithoutCancel(ctx)) }()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				entry, err := rt.ReloadConstitution(ctx)
				if err != nil {
					rt.Logger.ErrorContext(ctx, "constitution reload rejected", "error", err)
					continue
				}
				rt.Logger.InfoContext(ctx, "constitution reloaded", "sequence", entry.Sequence)
			}
		}
	}()

	srv := api.NewServer(rt.Projection, api.Config{
		Addr:      ":" + cfg.API.Port,
		JWTSecret: []byte(cfg.API.JWTSecret),
		RPS:       cfg.API.RPS,
		Burst:     cfg.API.Burst,
		Logger:    rt.Logger,
	})
	if err := srv.ListenAndServe(ctx); err != nil {
		return fail(stderr, "serve: %v", err)
	}
	_, _ = fmt.Fprintln(stdout, "shutdown complete")
	return exitOK
}
