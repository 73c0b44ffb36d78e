// Theta is a collaborative VR authoring peer. This binary runs the
// deterministic multiplayer core headless: it bootstraps signaling from the
// environment, negotiates WebRTC sessions with room peers, and drives the
// engine frame loop at the configured tick rate. Renderer and headset
// integration attach through the pose source and telemetry surfaces.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jvastola/theta/pkg/command"
	"github.com/jvastola/theta/pkg/config"
	"github.com/jvastola/theta/pkg/input"
	"github.com/jvastola/theta/pkg/signaling"
	"github.com/jvastola/theta/pkg/theta"
)

var (
	logLevel = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	authorID = flag.Uint64("author-id", 0, "Command author id (0 uses the process id)")
)

func main() {
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid log level")
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := config.Load(); err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	cfg := config.Get()

	signer, publicKey, err := command.GenerateKeypair()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to generate keypair")
	}

	id := *authorID
	if id == 0 {
		id = uint64(os.Getpid())
	}

	eng := theta.New(theta.Config{
		LocalAuthor: command.Author{ID: id, PublicKey: publicKey, Role: command.RoleEditor},
		Signer:      signer,
		Verifier:    command.Ed25519Verifier{},
		CommandConfig: command.Config{
			MaxPayloadBytes: cfg.MaxPayloadBytes,
			Burst:           cfg.CommandBurst,
			SustainPerSec:   cfg.CommandSustainPerSec,
		},
		MaxChunkBytes:     cfg.MaxChunkBytes,
		SchedulerWorkers:  cfg.SchedulerWorkers,
		SlowSystemMs:      cfg.SlowSystemThresholdMs,
		TelemetryDepth:    cfg.TelemetryDepth,
		ReceiveBudget:     cfg.ReceiveBudget,
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalMs) * time.Millisecond,
	})
	defer eng.Close()

	theta.RegisterComponent[input.TrackedPose](eng)
	theta.RegisterComponent[input.ControllerState](eng)

	if err := eng.Registry().Manifest().WriteFile("component_manifest.json"); err != nil {
		logrus.WithError(err).Warn("Failed to write component manifest")
	}

	// Peer discovery per the environment; a local hub starts when no
	// external endpoint is configured.
	client, hub, err := signaling.Bootstrap(signaling.OptionsFromEnv())
	if err != nil {
		logrus.WithError(err).Fatal("Signaling bootstrap failed")
	}
	eng.EnableSignaling(client, hub)

	// Tunables that tolerate live changes follow the config file.
	stopWatch, err := config.Watch(func(old, new config.Config) {
		if new.SlowSystemThresholdMs > 0 && new.SlowSystemThresholdMs != old.SlowSystemThresholdMs {
			eng.Scheduler().SetSlowSystemThreshold(time.Duration(new.SlowSystemThresholdMs) * time.Millisecond)
		}
		logrus.WithField("system_name", "main").Info("configuration reloaded")
	})
	if err != nil {
		logrus.WithError(err).Warn("Config watch unavailable")
	} else {
		defer stopWatch()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second / time.Duration(cfg.TickRate))
	defer ticker.Stop()

	logrus.WithFields(logrus.Fields{
		"author_id": id,
		"tick_rate": cfg.TickRate,
	}).Info("Theta peer running")

	for {
		select {
		case <-sigChan:
			logrus.Info("Shutdown signal received")
			return
		case <-ticker.C:
			eng.RunFrame()
		}
	}
}
