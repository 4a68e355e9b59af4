package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/playground-sh/playground/internal/config"
	"github.com/playground-sh/playground/internal/events"
	"github.com/playground-sh/playground/internal/kubernetes"
	"github.com/playground-sh/playground/internal/metrics"
	"github.com/playground-sh/playground/internal/pool"
	"github.com/playground-sh/playground/internal/reaper"
	"github.com/playground-sh/playground/internal/repository"
	"github.com/playground-sh/playground/internal/routes"
	"github.com/playground-sh/playground/internal/session"
	"github.com/playground-sh/playground/internal/store"
)

func main() {
	cfg := config.LoadConfig()

	client, err := kubernetes.NewClientset(cfg.KubeconfigPath)
	if err != nil {
		log.Fatalf("Failed to create Kubernetes client: %v", err)
	}

	resourceStore := store.NewStore(client, cfg.Namespace)
	pools := pool.NewRegistry(client, cfg.SessionsPerNode)
	routeTable := routes.NewTable(client, cfg.Namespace, cfg.IngressName, cfg.HostDomain)
	repositories := repository.NewService(resourceStore, client, cfg.Namespace, cfg.BuilderImage)

	manager := session.NewManager(client, pools, routeTable, repositories, cfg.Namespace, session.Defaults{
		Pool:        cfg.DefaultPool,
		Duration:    cfg.DefaultDuration,
		MaxDuration: cfg.MaxDuration,
	})

	if cfg.RabbitMQURL != "" {
		producer, err := events.NewProducer(cfg.RabbitMQURL)
		if err != nil {
			log.Fatalf("Failed to create event producer: %v", err)
		}
		defer producer.Close()
		manager.SetPublisher(producer)
	}

	sessionReaper := reaper.New(manager, cfg.ReaperInterval)
	manager.SetObserver(sessionReaper)

	metrics.Register()
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go sessionReaper.Run(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
}
