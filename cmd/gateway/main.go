package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/uchit66/reactive-interaction-gateway/internal/admin"
	"github.com/uchit66/reactive-interaction-gateway/internal/audit"
	cfg "github.com/uchit66/reactive-interaction-gateway/internal/config"
	fwd "github.com/uchit66/reactive-interaction-gateway/internal/forward"
	"github.com/uchit66/reactive-interaction-gateway/internal/handler"
	"github.com/uchit66/reactive-interaction-gateway/internal/metrics"
	"github.com/uchit66/reactive-interaction-gateway/internal/ratelimit"
	"github.com/uchit66/reactive-interaction-gateway/internal/registry"
	"github.com/uchit66/reactive-interaction-gateway/internal/tracker"
)

func main() {
	configPath := flag.String("config", "./cmd/config.yaml", "path to YAML config")
	flag.Parse()

	c, err := cfg.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	trk := tracker.New(c.NodeName)
	defer trk.Close()
	reg := registry.New(c.NodeName, trk)
	trk.SetHandler(reg)
	hub := tracker.NewHub(trk)
	defer hub.Close()

	if c.RoutesFile != "" {
		defs, err := cfg.LoadRoutes(c.RoutesFile)
		if err != nil {
			log.Fatalf("routes: %v", err)
		}
		for _, def := range defs {
			if err := reg.AddAPI(def.ID, def); err != nil {
				log.Printf("seed %s: %v", def.ID, err)
			}
		}
		log.Printf("seeded %d apis from %s", len(defs), c.RoutesFile)
	}

	var sink audit.Sink = audit.Nop{}
	if brokers := audit.BrokersFromEnv(); len(brokers) > 0 {
		ks := audit.NewKafkaSink(brokers, c.Kafka.Topic)
		defer func() {
			if err := ks.Close(); err != nil {
				log.Printf("audit close: %v", err)
			}
		}()
		sink = ks
		log.Printf("audit sink: kafka %v topic=%s", brokers, c.Kafka.Topic)
	}

	m := metrics.NewRegistry()
	lim := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: c.RateLimit.RequestsPerSecond,
		Burst:             c.RateLimit.Burst,
	})
	gw := handler.NewGateway(reg, lim, fwd.NewTransport(fwd.DefaultOptions()), sink,
		c.Timeouts.Upstream, os.Stdout, c.AccessLog, m)

	adm := &admin.Server{
		Registry:  reg,
		Metrics:   m,
		Cluster:   hub,
		PeerCount: hub.PeerCount,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	hub.Start(ctx, c.ClusterPeers)

	proxySrv := &http.Server{
		Addr:              c.Listen,
		Handler:           gw,
		ReadTimeout:       c.Timeouts.Read,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      c.Timeouts.Write,
		IdleTimeout:       60 * time.Second,
	}
	adminSrv := &http.Server{
		Addr:              c.AdminListen,
		Handler:           adm.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("gateway node %s listening on %s (admin %s, peers=%d)",
		c.NodeName, c.Listen, c.AdminListen, len(c.ClusterPeers))

	go func() {
		if err := proxySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("admin listen: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = proxySrv.Shutdown(shutdownCtx)
	_ = adminSrv.Shutdown(shutdownCtx)
}
