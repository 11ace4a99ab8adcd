// Command edgecored is the minimal process entrypoint of SPEC_FULL.md
// §4.8: it accepts connections on a TCP listener and hands each one to
// engine.Serve, and serves the httpx HTTP adapter alongside it. Process
// bootstrap/CLI ergonomics are out of scope beyond this (spec.md §1), so
// unlike the teacher's cmd/cockroach this carries a single start command
// with a handful of flags rather than a full subcommand tree.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Androidown/edgedb/catalog"
	"github.com/Androidown/edgedb/engine"
	"github.com/Androidown/edgedb/exec"
	"github.com/Androidown/edgedb/httpx"
	"github.com/Androidown/edgedb/internal/log"
	"github.com/Androidown/edgedb/wire"
)

var (
	listenAddr     string
	httpAddr       string
	systemTemplate string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "start the edgecored server",
	RunE:  runStart,
}

func init() {
	f := startCmd.Flags()
	f.StringVar(&listenAddr, "listen-addr", ":5656", "binary protocol listen address")
	f.StringVar(&httpAddr, "http-addr", ":5657", "HTTP /{db}/edgeql listen address")
	f.StringVar(&systemTemplate, "system-template", "__edgedbsys__", "database name refused for direct connection")
}

func main() {
	if err := startCmd.Execute(); err != nil {
		log.Fatalf(context.Background(), "%v", err)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := catalog.NewRegistry()
	comp := unimplementedCompiler{}
	backendPool := unimplementedBackendPool{}
	coord := exec.New(backendPool, exec.Hooks{})

	deps := engine.Deps{
		Registry:    registry,
		Compiler:    comp,
		Backend:     backendPool,
		Auth:        engine.TrustAuthenticator{SystemTemplates: map[string]struct{}{systemTemplate: {}}},
		MinProtocol: wire.ProtocolVersion{Major: 0, Minor: 13},
		MaxProtocol: wire.ProtocolVersion{Major: 3, Minor: 0},
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Infof(ctx, "listening for binary protocol connections on %s", listenAddr)

	httpSrv := &http.Server{Addr: httpAddr, Handler: httpx.New(registry, comp, coord)}
	go func() {
		log.Infof(ctx, "listening for HTTP edgeql requests on %s", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf(ctx, "http server exited: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Infof(ctx, "shutting down")
		cancel()
		_ = ln.Close()
		_ = httpSrv.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			if err := engine.Serve(ctx, conn, deps); err != nil {
				log.Warningf(ctx, "connection from %s closed: %v", conn.RemoteAddr(), err)
			}
			_ = conn.Close()
		}()
	}
}
