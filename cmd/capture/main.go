package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kataras/golog"
	"github.com/video-system/go-ueye-capture/pkg/api"
	"github.com/video-system/go-ueye-capture/pkg/capture"
	"github.com/video-system/go-ueye-capture/pkg/device"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	driver := flag.String("driver", "", "Device driver, overrides device.driver")
	autostart := flag.Bool("autostart", true, "Start capturing immediately")
	statsEvery := flag.Duration("stats", 10*time.Second, "Interval between capture stats log lines")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("go-ueye-capture %s (drivers: %v)\n", version, device.Drivers())
		return
	}

	// Load configuration
	cfg, err := capture.LoadConfig(*configPath)
	if err != nil {
		golog.Fatalf("Failed to load config: %v", err)
	}
	if *driver != "" {
		cfg.Device.Driver = *driver
	}
	golog.SetLevel(cfg.Log.Level)

	dev, err := device.New(cfg.Device.Driver, device.Options{
		V4L2Path: cfg.Device.V4L2Path,
		SimFPS:   cfg.Device.SimFPS,
	})
	if err != nil {
		golog.Fatalf("Failed to create device: %v", err)
	}
	golog.Infof("Using %s driver for %s capture", cfg.Device.Driver, capture.MethodName)

	session := capture.NewSession(dev, cfg.Capture)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		golog.Info("Shutdown signal received...")
		cancel()
	}()

	if *autostart {
		if err := session.Start(); err != nil {
			golog.Fatalf("Failed to start capture: %v", err)
		}
	}

	// Create and start API server
	var apiServer *api.Server
	if cfg.API.Enabled {
		gin.SetMode(gin.ReleaseMode)
		apiServer = api.NewServer(api.ServerConfig{
			Host:   cfg.API.Host,
			Port:   cfg.API.Port,
			Engine: session,
		})
		go func() {
			if err := apiServer.Start(); err != nil {
				golog.Errorf("API server error: %v", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		runCaptureLoop(ctx, session, *statsEvery)
	}()

	<-ctx.Done()

	// Stop waits for the in-flight acquire, which unblocks the loop
	session.Stop()
	<-done
	if apiServer != nil {
		apiServer.Stop()
	}

	golog.Info("Capture stopped")
}

// runCaptureLoop acquires frames while the session is streaming and keeps
// an owned copy of the latest one. Start and stop may happen through the
// API at any time.
func runCaptureLoop(ctx context.Context, session *capture.Session, statsEvery time.Duration) {
	var (
		latest   capture.Image
		frames   uint64
		repeated uint64
	)

	if statsEvery <= 0 {
		statsEvery = 10 * time.Second
	}
	ticker := time.NewTicker(statsEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := session.Status()
			golog.Infof("%s: %d frames (%d repeated) in the last %v, seq %d, t=%.3fs",
				st.State, frames, repeated, statsEvery, st.LastSeqID, st.LastTimestamp)
			frames, repeated = 0, 0
		default:
		}

		frame, err := session.Acquire()
		switch {
		case errors.Is(err, capture.ErrNotCapturing):
			sleep(ctx, 100*time.Millisecond)
			continue
		case errors.Is(err, capture.ErrAcquireTimeout):
			repeated++
			continue
		case err != nil:
			golog.Warnf("Acquire failed: %v", err)
			sleep(ctx, 100*time.Millisecond)
			continue
		}

		if err := session.CopyAndConvert(frame, &latest); err != nil {
			golog.Debugf("Copy frame %d: %v", frame.SeqID, err)
		}
		session.Release(frame)

		frames++
		if frame.Repeated {
			repeated++
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
