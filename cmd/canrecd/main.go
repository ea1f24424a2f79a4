package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/e7canasta/canrec/internal/config"
	"github.com/e7canasta/canrec/internal/core"
	"github.com/e7canasta/canrec/internal/device"
)

const defaultConfigPath = "config/canrec.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	deviceFlag := flag.String("device", "", "Camera index or stream URL (overrides config)")
	saveDir := flag.String("save-dir", "", "Directory for saved recordings (overrides config)")
	listDevices := flag.Bool("list-devices", false, "Probe local camera indices and exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	setupLogger(*debug)

	if *listDevices {
		found := device.ScanCameras(5)
		if len(found) == 0 {
			fmt.Println("no cameras found")
			return
		}
		for _, idx := range found {
			fmt.Printf("camera %d\n", idx)
		}
		return
	}

	slog.Info("starting canrec service",
		"config", *configPath,
		"debug", *debug,
	)

	cfg, err := loadConfig(*configPath, *deviceFlag, *saveDir)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	svc, err := core.New(cfg, core.Dependencies{
		Source:  device.NewSource(cfg.Camera),
		Writers: device.NewWriters(),
	})
	if err != nil {
		slog.Error("failed to create canrec service", "error", err)
		os.Exit(1)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- svc.Run(ctx) // Always send, even if nil
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		runErr = <-errChan
	case runErr = <-errChan:
		if runErr == nil {
			slog.Info("service stopped (via control shutdown command)")
		}
	}
	if runErr != nil {
		slog.Error("service error", "error", runErr)
	}

	shutdownTimeout := svc.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
	if runErr != nil {
		os.Exit(1)
	}

	slog.Info("canrec service stopped successfully")
}

// setupLogger uses colored text on a terminal and JSON otherwise
func setupLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) {
		handler = tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

// loadConfig reads the file and applies command line overrides
func loadConfig(path, deviceFlag, saveDir string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if deviceFlag == "" && saveDir == "" {
		return cfg, nil
	}

	if deviceFlag != "" {
		if idx, err := strconv.Atoi(deviceFlag); err == nil {
			cfg.Camera.DeviceIndex = idx
			cfg.Camera.DeviceURL = ""
		} else {
			cfg.Camera.DeviceURL = deviceFlag
		}
	}
	if saveDir != "" {
		cfg.Camera.SaveDirectory = saveDir
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
