package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	fastbu "github.com/adelra/fastbu"
	"github.com/adelra/fastbu/cluster"
	"github.com/adelra/fastbu/internal/api"
)

func main() {
	var (
		host        = flag.String("host", "127.0.0.1", "host to bind the API to")
		port        = flag.Int("port", 3031, "API port")
		dataDir     = flag.String("data", "cache_storage", "storage directory")
		clusterMode = flag.Bool("cluster", false, "run in cluster mode")
		configPath  = flag.String("config", "cluster.toml", "cluster config file (cluster mode)")
		nodeID      = flag.String("node-id", "", "node ID override (cluster mode)")
	)
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	log.SetPrefix("fastbu ")

	engine, err := fastbu.Open(fastbu.Config{Dir: *dataDir, FlushInterval: 5 * time.Second})
	if err != nil {
		log.Fatalf("open cache: %v", err)
	}

	var (
		srv     *api.Server
		node    *cluster.Node
		apiAddr = net.JoinHostPort(*host, strconv.Itoa(*port))
	)

	if *clusterMode {
		cfg, err := cluster.LoadConfig(*configPath)
		if err != nil {
			// The original falls back to standalone when the cluster config
			// is unusable; keep that behavior so a bad file never takes the
			// cache down with it.
			log.Printf("[warn] %v; falling back to standalone mode", err)
			*clusterMode = false
		} else {
			// CLI overrides: host and API port follow the command line, the
			// cluster port always comes from the file so each node keeps a
			// distinct gossip endpoint.
			cfg.Host = *host
			cfg.APIPort = *port
			if *nodeID != "" {
				cfg.ID = *nodeID
			}
			cfg.EnsureID()

			node = cluster.NewNode(cfg, engine)
			if err := node.Start(); err != nil {
				log.Fatalf("start cluster node: %v", err)
			}
			log.Printf("cluster node %s listening on %s (seeds: %v)", cfg.ID, cfg.BindAddr(), cfg.Seeds)
			srv = api.New(node, api.WithVerifier(engine), api.WithClusterView(node))
		}
	}

	if !*clusterMode {
		srv = api.New(engine, api.WithVerifier(engine))
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("serving API on %s", apiAddr)
		errCh <- srv.ListenAndServe(apiAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Printf("api server: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[warn] api shutdown: %v", err)
	}
	if node != nil {
		node.Stop()
	}
	if err := engine.Close(); err != nil {
		log.Printf("[warn] cache close: %v", err)
	}
	log.Printf("shutdown complete")
}
