package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"github.com/jvastola/theta/pkg/command"
	"github.com/jvastola/theta/pkg/config"
	"github.com/jvastola/theta/pkg/input"
	"github.com/jvastola/theta/pkg/theta"
	"github.com/jvastola/theta/pkg/transport"
)

// Server configuration flags
var (
	addr     = flag.String("addr", ":7777", "QUIC listen address")
	logLevel = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	// Configure logging
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid log level")
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.JSONFormatter{})

	if err := config.Load(); err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	cfg := config.Get()

	logrus.WithFields(logrus.Fields{
		"addr":      *addr,
		"tick_rate": cfg.TickRate,
		"log_level": *logLevel,
	}).Info("Starting Theta dedicated host")

	signer, publicKey, err := command.GenerateKeypair()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to generate host keypair")
	}

	eng := theta.New(theta.Config{
		LocalAuthor: command.Author{ID: 1, PublicKey: publicKey, Role: command.RoleAdmin},
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

	schemaHash, err := eng.Registry().SchemaHash()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to compute schema hash")
	}
	if err := eng.Registry().Manifest().WriteFile("component_manifest.json"); err != nil {
		logrus.WithError(err).Warn("Failed to write component manifest")
	}

	tlsConf, err := transport.GenerateTLSConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to build TLS config")
	}
	listener, err := quic.ListenAddr(*addr, tlsConf, nil)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to listen")
	}
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionCfg := transport.SessionConfig{
		SchemaHash:        schemaHash,
		PublicKey:         publicKey,
		HandshakeTimeout:  time.Duration(cfg.HandshakeTimeoutMs) * time.Millisecond,
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalMs) * time.Millisecond,
		AssignRole:        func(hello *transport.SessionHello) uint8 { return uint8(command.RoleEditor) },
	}

	sessions := make(chan *transport.QuicSession, 4)
	go func() {
		for {
			conn, err := listener.Accept(ctx)
			if err != nil {
				select {
				case <-ctx.Done():
				default:
					logrus.WithError(err).Error("Accept failed")
				}
				return
			}
			go func() {
				session, err := transport.AcceptSession(ctx, conn, sessionCfg)
				if err != nil {
					logrus.WithError(err).Warn("Session handshake rejected")
					return
				}
				sessions <- session
			}()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second / time.Duration(cfg.TickRate))
	defer ticker.Stop()

	logrus.Info("Host started, waiting for sessions...")

	var nextAuthor uint64 = 2
	for {
		select {
		case <-sigChan:
			logrus.Info("Shutdown signal received, stopping host")
			return
		case session := <-sessions:
			peerKey := session.PeerPublicKey()
			eng.Log().RegisterAuthor(command.Author{
				ID:        nextAuthor,
				PublicKey: peerKey,
				Role:      command.Role(session.AssignedRole()),
			})
			nextAuthor++
			eng.AttachSession(session, session.SessionID())
		case <-ticker.C:
			eng.RunFrame()
		}
	}
}
