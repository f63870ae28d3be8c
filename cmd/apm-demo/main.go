package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/apm-agent/internal/infrastructure/server"
	"github.com/GriffinCanCode/apm-agent/pkg/apm"
)

func main() {
	port := flag.String("port", "8080", "Server port")
	upstream := flag.String("upstream", os.Getenv("UPSTREAM_URL"), "Profile service base URL")
	flag.Parse()

	agent, err := apm.Start()
	if err != nil {
		log.Printf("apm disabled: %v", err)
	}
	logger := agent.Logger()

	deps := server.Deps{}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		sqlDB, err := sql.Open("postgres", dsn)
		if err != nil {
			logger.Fatal("open database", zap.Error(err))
		}
		defer sqlDB.Close()
		deps.DB = sqlDB
	}

	if uri := os.Getenv("MONGO_URI"); uri != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetMonitor(agent.MongoMonitor(nil)))
		cancel()
		if err != nil {
			logger.Fatal("connect mongodb", zap.Error(err))
		}
		defer func() { _ = client.Disconnect(context.Background()) }()
		deps.Orders = client.Database("demo").Collection("orders")
	}

	srv := server.New(server.Config{Port: *port, UpstreamURL: *upstream}, agent, deps)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Run(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-sigChan:
		logger.Info("shutting down")
	case err := <-errChan:
		logger.Error("server error", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Close(ctx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
	if err := agent.Shutdown(ctx); err != nil {
		logger.Warn("agent shutdown", zap.Error(err))
	}
}
