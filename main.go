package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantumnexus/deception/internal/config"
	"github.com/quantumnexus/deception/internal/db"
	"github.com/quantumnexus/deception/internal/honeypot"
	"github.com/quantumnexus/deception/internal/schedule"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "migrate":
		cmdMigrate(os.Args[2:])
	case "tasks":
		cmdTasks(os.Args[2:])
	case "stats":
		cmdStats(os.Args[2:])
	case "version":
		fmt.Printf("deception %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`deception — bot verification honeypot core

Usage:
  deception migrate [--config config.toml]
  deception tasks [--config config.toml] [--interval 60s]
  deception stats [--config config.toml]
  deception version
  deception help

Commands:
  migrate   Create or update the database schema
  tasks     Run the periodic maintenance loop
  stats     Print aggregate tracking statistics
  version   Print version
  help      Show this help`)
}

func cmdMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml")
	fs.Parse(args)

	cfg, database := mustOpen(*configPath)
	defer database.Close()

	log.Printf("schema ready: %s", cfg.Database.Path)
}

func cmdTasks(args []string) {
	fs := flag.NewFlagSet("tasks", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml")
	interval := fs.Duration("interval", time.Minute, "trigger interval for due tasks")
	fs.Parse(args)

	cfg, database := mustOpen(*configPath)
	defer database.Close()

	svc, err := honeypot.New(cfg, database, nil)
	if err != nil {
		log.Fatalf("building service: %v", err)
	}
	defer svc.Close()

	registry := schedule.NewRegistry(svc.EventLog())
	if err := svc.RegisterMaintenance(registry); err != nil {
		log.Fatalf("registering maintenance tasks: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("deception %s running maintenance tasks every %s", version, *interval)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("shutting down")
			return
		case now := <-ticker.C:
			if n := registry.RunDue(ctx, now); n > 0 {
				log.Printf("ran %d due tasks", n)
			}
		}
	}
}

func cmdStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml")
	fs.Parse(args)

	cfg, database := mustOpen(*configPath)
	defer database.Close()

	svc, err := honeypot.New(cfg, database, nil)
	if err != nil {
		log.Fatalf("building service: %v", err)
	}
	defer svc.Close()

	stats, err := svc.Stats(context.Background())
	if err != nil {
		log.Fatalf("reading stats: %v", err)
	}
	out, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(out))
}

func mustOpen(configPath string) (*config.Config, *db.DB) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	database, err := db.Open(cfg.Database.Path, cfg.Database.PoolSize)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	return cfg, database
}
