// Command questarr is a small operations CLI around the configured download
// clients: test connectivity, add downloads with fallback, inspect queues.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/jamesrodda/Questarr-sub000/internal/config"
	"github.com/jamesrodda/Questarr-sub000/internal/downloader"
	"github.com/jamesrodda/Questarr-sub000/internal/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Path:   cfg.Logging.Path,
	})
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := downloader.NewManager(cfg.DownloaderList(), log.Logger)

	if err := run(ctx, manager, flag.Args()); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, manager *downloader.Manager, args []string) error {
	if len(args) == 0 {
		return usage()
	}

	switch args[0] {
	case "downloaders":
		for _, d := range manager.Downloaders() {
			state := "disabled"
			if d.Enable {
				state = "enabled"
			}
			fmt.Printf("%3d  %-20s %-12s priority=%d  %s\n", d.ID, d.Name, d.Type, d.Priority, state)
		}
		return nil

	case "test":
		id, err := downloaderID(args)
		if err != nil {
			return err
		}
		result := manager.Test(ctx, id)
		if !result.Success {
			return fmt.Errorf("test failed: %s", result.Message)
		}
		fmt.Println(result.Message)
		return nil

	case "list":
		id, err := downloaderID(args)
		if err != nil {
			return err
		}
		items, err := manager.List(ctx, id)
		if err != nil {
			return err
		}
		for _, item := range items {
			fmt.Printf("%-40s %-12s %3d%%  %s\n", item.Name, item.Status, item.Progress, humanize.IBytes(uint64(item.Size)))
		}
		return nil

	case "add":
		if len(args) < 2 {
			return fmt.Errorf("usage: questarr add <url> [title]")
		}
		req := &downloader.DownloadRequest{URL: args[1]}
		if len(args) > 2 {
			req.Title = args[2]
		}
		result := manager.AddWithFallback(ctx, req)
		if !result.Success {
			return fmt.Errorf("add failed after trying %v: %s", result.Attempted, result.Message)
		}
		if result.Duplicate {
			fmt.Printf("already present on %s (id %s)\n", result.DownloaderName, result.ID)
		} else {
			fmt.Printf("added to %s (id %s)\n", result.DownloaderName, result.ID)
		}
		return nil

	case "freespace":
		id, err := downloaderID(args)
		if err != nil {
			return err
		}
		space, err := manager.FreeSpace(ctx, id)
		if err != nil {
			return err
		}
		fmt.Println(humanize.IBytes(uint64(space)))
		return nil

	default:
		return usage()
	}
}

func downloaderID(args []string) (int64, error) {
	if len(args) < 2 {
		return 0, fmt.Errorf("usage: questarr %s <downloader-id>", args[0])
	}
	var id int64
	if _, err := fmt.Sscanf(args[1], "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid downloader id %q", args[1])
	}
	return id, nil
}

func usage() error {
	return fmt.Errorf("usage: questarr [-config path] <downloaders|test|list|add|freespace> [args]")
}
