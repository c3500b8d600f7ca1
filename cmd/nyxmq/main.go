package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nyxmq/broker/internal/config"
	"github.com/nyxmq/broker/internal/delivery"
	"github.com/nyxmq/broker/internal/housekeeping"
	"github.com/nyxmq/broker/internal/logger"
	"github.com/nyxmq/broker/internal/nodeid"
	"github.com/nyxmq/broker/internal/persistence"
	"github.com/nyxmq/broker/internal/sysinfo"
	"github.com/nyxmq/broker/internal/transport"
)

func gracefulShutdown(tcpServer *transport.TCPServer, hk *housekeeping.Loop, sys *sysinfo.Publisher, store *persistence.Store, cancel context.CancelFunc, done chan struct{}) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Println("Graceful shutdown has triggered...")

	defer cancel()
	if err := tcpServer.Stop(); err != nil {
		log.Println(err)
	}
	hk.Stop()
	sys.Stop()
	if store != nil {
		if err := store.Close(); err != nil {
			log.Println(err)
		}
	}
	time.Sleep(1 * time.Second)

	close(done)
}

func main() {
	done := make(chan struct{}, 1)

	cfg, err := config.Load("config.yml")
	if err != nil {
		log.Panicf("failed to load config: %v", err)
	}

	logConfig := logger.ProductionConfig()
	logConfig.Service = cfg.Name
	logConfig.Version = cfg.Version
	logger.InitGlobalLogger(logConfig)

	db, err := sql.Open("sqlite3", "./store/store.db")
	if err != nil {
		log.Panicf("Failed to open sqlite db: %v", err)
	}

	var store *persistence.Store
	if cfg.Persistence.Enabled {
		store, err = persistence.Open(cfg.Persistence.Path)
		if err != nil {
			log.Panicf("Failed to open persistence store: %v", err)
		}
	}

	var nodeID uint16
	if cfg.Cluster.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		nodeID, err = nodeid.Claim(ctx, cfg.Cluster.RedisAddr, cfg.Cluster.NodeIDKey)
		cancel()
		if err != nil {
			log.Panicf("Failed to claim cluster node id: %v", err)
		}
	}

	engineOpts := delivery.Options{
		NodeID: nodeID,
		Epoch:  time.Now(),
	}
	if store != nil {
		engineOpts.Persist = store
	}
	engine := delivery.Open(engineOpts)
	defer engine.Close()

	if store != nil {
		if maxID, err := store.MaxBaseMessageID(); err != nil {
			log.Printf("persistence: failed to read max base message id: %v", err)
		} else if maxID > 0 {
			engine.IDGen.Seed(maxID)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	srv := transport.New(cfg.Server.Port, db, engine, cfg.Mqtt.AdmissionPolicy(), cfg.Mqtt.MaxInflight, cfg.Mqtt.MaxQoSLevel())
	engine.Transport = srv.Broker()

	hk := housekeeping.New(cfg.Mqtt.SessionExpiryCheckInterval, srv.Broker(), engine)
	sys := sysinfo.New(engine, srv.Broker(), srv.Broker(), 30*time.Second)

	go func() {
		if err := srv.Start(ctx); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}()
	log.Printf("Server started listening at %s\n", cfg.Server.Port)

	go gracefulShutdown(srv, hk, sys, store, cancel, done)

	<-done
	log.Println("Graceful shutdown complete.")
}
