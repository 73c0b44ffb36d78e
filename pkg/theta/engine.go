// Package theta ties the world, scheduler, replication, command log, and
// transports together into the per-frame orchestration loop.
package theta

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jvastola/theta/pkg/command"
	"github.com/jvastola/theta/pkg/engine"
	"github.com/jvastola/theta/pkg/input"
	"github.com/jvastola/theta/pkg/replication"
	"github.com/jvastola/theta/pkg/signaling"
	"github.com/jvastola/theta/pkg/telemetry"
	"github.com/jvastola/theta/pkg/transport"
	"github.com/jvastola/theta/pkg/voice"
)

// signalingHeartbeatEvery paces keepalives to the signaling endpoint.
const signalingHeartbeatEvery = time.Second

// CommandApplier applies one accepted log entry to the world. Supplied by
// the embedding application; entries arrive in total order.
type CommandApplier func(w *engine.World, e *command.Entry) error

// DeltaHandler consumes component delta frames received from a remote
// authority.
type DeltaHandler func(frame *replication.DeltaFrame)

// Config tunes engine construction.
type Config struct {
	LocalAuthor       command.Author
	Signer            command.Signer
	Verifier          command.Verifier
	MaxChunkBytes     int
	CommandConfig     command.Config
	SchedulerWorkers  int
	SlowSystemMs      int
	TelemetryDepth    int
	ReceiveBudget     int
	HeartbeatInterval time.Duration
}

// Engine owns every core subsystem and advances them one frame at a time.
// All methods are single-threaded: the frame loop is the only caller.
type Engine struct {
	world     *engine.World
	scheduler *engine.Scheduler
	registry  *replication.Registry
	builder   *replication.SnapshotBuilder
	tracker   *replication.DeltaTracker

	log      *command.Log
	pipeline *command.Pipeline
	outbox   *command.Outbox
	queue    *command.Queue

	collector *telemetry.Collector
	voice     *voice.Router
	rig       *input.Rig

	signaling *signaling.Client
	localHub  *signaling.Hub
	peers     *signaling.PeerManager

	session     transport.Session
	sessionPeer string
	idleMetrics *transport.Metrics

	applier      CommandApplier
	deltaHandler DeltaHandler

	receiveBudget     int
	heartbeatInterval time.Duration
	lastSignalPing    time.Time
	frame             uint64
}

// New creates an engine with every subsystem wired.
func New(cfg Config) *Engine {
	if cfg.Signer == nil {
		cfg.Signer = command.NoopSigner{}
	}
	if cfg.Verifier == nil {
		cfg.Verifier = command.NoopVerifier{}
	}
	if cfg.ReceiveBudget <= 0 {
		cfg.ReceiveBudget = 64
	}

	world := engine.NewWorld()
	registry := replication.NewRegistry()

	schedOpts := []engine.SchedulerOption{}
	if cfg.SchedulerWorkers > 0 {
		schedOpts = append(schedOpts, engine.WithWorkers(cfg.SchedulerWorkers))
	}
	if cfg.SlowSystemMs > 0 {
		schedOpts = append(schedOpts, engine.WithSlowSystemThreshold(time.Duration(cfg.SlowSystemMs)*time.Millisecond))
	}

	log := command.NewLog(cfg.LocalAuthor, cfg.Signer, cfg.Verifier, command.NewMetrics(), cfg.CommandConfig)
	outbox := command.NewOutbox()

	e := &Engine{
		world:             world,
		scheduler:         engine.NewScheduler(schedOpts...),
		registry:          registry,
		builder:           replication.NewSnapshotBuilder(registry, cfg.MaxChunkBytes),
		tracker:           replication.NewDeltaTracker(registry),
		log:               log,
		pipeline:          command.NewPipeline(log),
		outbox:            outbox,
		queue:             command.NewQueue(),
		collector:         telemetry.NewCollector(cfg.TelemetryDepth),
		voice:             voice.NewRouter(nil),
		idleMetrics:       transport.NewMetrics(transport.KindUnknownSession),
		receiveBudget:     cfg.ReceiveBudget,
		heartbeatInterval: cfg.HeartbeatInterval,
	}

	// The outbox lives in the world like any other component.
	outboxEntity := world.Spawn()
	if err := engine.Insert(world, outboxEntity, outbox); err != nil {
		logrus.WithField("system_name", "engine").WithError(err).Error("outbox component insert failed")
	}
	return e
}

// World returns the engine's world.
func (e *Engine) World() *engine.World { return e.world }

// Scheduler returns the stage scheduler for system registration.
func (e *Engine) Scheduler() *engine.Scheduler { return e.scheduler }

// Registry returns the replication registry. Frozen after setup.
func (e *Engine) Registry() *replication.Registry { return e.registry }

// Log returns the command log.
func (e *Engine) Log() *command.Log { return e.log }

// Telemetry returns the snapshot collector.
func (e *Engine) Telemetry() *telemetry.Collector { return e.collector }

// Voice returns the voice router.
func (e *Engine) Voice() *voice.Router { return e.voice }

// SetApplier installs the ECS application function for accepted entries.
func (e *Engine) SetApplier(fn CommandApplier) { e.applier = fn }

// SetDeltaHandler installs the consumer for inbound component deltas.
func (e *Engine) SetDeltaHandler(fn DeltaHandler) { e.deltaHandler = fn }

// AttachRig installs the VR input rig and registers its pre-Simulation
// system.
func (e *Engine) AttachRig(source input.PoseSource) *input.Rig {
	e.rig = input.NewRig(e.world, source)
	e.scheduler.AddSystem(e.rig.System())
	return e.rig
}

// EnableSignaling wires an established signaling client into the frame loop.
// The engine owns the client and the optional local hub from here on.
func (e *Engine) EnableSignaling(client *signaling.Client, hub *signaling.Hub) {
	e.signaling = client
	e.localHub = hub
	if client != nil {
		e.peers = signaling.NewPeerManager(client, e.heartbeatInterval)
	}
}

// AttachSession installs the active transport session. An existing session
// is superseded: detached, closed, and its peer cleared.
func (e *Engine) AttachSession(s transport.Session, peerID string) {
	if e.session != nil {
		prevKind := e.session.Metrics().Kind()
		logrus.WithFields(logrus.Fields{
			"system_name": "engine",
			"old_kind":    prevKind.String(),
			"new_kind":    s.Metrics().Kind().String(),
			"peer_id":     peerID,
		}).Info("transport superseded")
		e.detachSession()
	}
	e.session = s
	e.sessionPeer = peerID
	if e.peers != nil && peerID != "" {
		e.peers.MarkAttached(peerID, func() { e.detachSession() })
	}
}

// Session returns the active transport session, if any.
func (e *Engine) Session() transport.Session { return e.session }

func (e *Engine) detachSession() {
	if e.session == nil {
		return
	}
	if e.peers != nil && e.sessionPeer != "" {
		e.peers.MarkDetached(e.sessionPeer)
	}
	e.session.Close()
	e.session = nil
	e.sessionPeer = ""
}

// SubmitCommand ingests one local command into the pipeline.
func (e *Engine) SubmitCommand(payload []byte, scope command.Scope, requiredRole command.Role, strategy command.ConflictStrategy) (command.ID, error) {
	return e.pipeline.Append(payload, scope, requiredRole, strategy)
}

// SendVoice stages one opaque voice frame for the active transport.
func (e *Engine) SendVoice(payload []byte) {
	e.voice.RecordOutbound(payload)
	e.queue.Enqueue(transport.Frame{Kind: transport.KindVoice, Payload: payload})
}

// RunFrame advances the engine by one tick: signaling, runtime events,
// scheduler, replication, command flow, transport, telemetry.
func (e *Engine) RunFrame() telemetry.FrameSnapshot {
	e.frame++

	// 1. Poll at most one signaling event; keep the endpoint alive.
	if e.signaling != nil {
		if ev, ok := e.signaling.PollEvent(); ok {
			e.peers.HandleSignal(ev)
		}
		if time.Since(e.lastSignalPing) >= signalingHeartbeatEvery {
			e.lastSignalPing = time.Now()
			if err := e.signaling.Heartbeat(); err != nil {
				logrus.WithField("system_name", "engine").WithError(err).Debug("signaling heartbeat failed")
			}
		}
	}

	// 2. Drain WebRTC runtime events; attach/detach transports.
	if e.peers != nil {
		for _, ev := range e.peers.DrainRuntimeEvents() {
			e.handleRuntimeEvent(ev)
		}
	}

	// Drop a session that died since last frame.
	if e.session != nil && e.session.Dead() {
		logrus.WithFields(logrus.Fields{
			"system_name": "engine",
			"peer_id":     e.sessionPeer,
		}).Warn("active session dead, detaching")
		e.detachSession()
	}

	// 3. Tick the scheduler.
	profile := e.scheduler.Tick(e.world)

	// 4. Replication diff, then command pipeline -> outbox -> queue.
	if frame, err := e.tracker.Diff(e.world); err == nil && !frame.Empty() {
		if data, err := json.Marshal(frame); err == nil {
			e.queue.Enqueue(transport.Frame{Kind: transport.KindComponentDelta, Payload: data})
		} else {
			logrus.WithField("system_name", "engine").WithError(err).Warn("delta frame serialization failed")
		}
	}
	e.outbox.Ingest(e.pipeline.Drain())
	e.queue.Enqueue(e.outbox.Serialize()...)

	// 5. Flush the queue over the active transport; unsent frames remain.
	e.flushQueue()

	// 6. Bounded receive; integrate commands and apply accepted entries.
	e.receive()

	// 7. Publish telemetry.
	return e.publishTelemetry(profile)
}

func (e *Engine) handleRuntimeEvent(ev signaling.RuntimeEvent) {
	switch ev.Kind {
	case signaling.RuntimeChannelOpen:
		e.AttachSession(ev.Session, ev.PeerID)
	case signaling.RuntimeChannelClosed:
		if ev.PeerID == e.sessionPeer {
			e.detachSession()
		}
	case signaling.RuntimeStateChange:
		logrus.WithFields(logrus.Fields{
			"system_name": "engine",
			"peer_id":     ev.PeerID,
			"state":       ev.State.String(),
		}).Debug("peer connection state change")
	}
}

func (e *Engine) flushQueue() {
	if e.session == nil {
		return
	}
	frames := e.queue.DrainPending()
	for i, f := range frames {
		err := e.session.Send(f)
		if err == nil {
			continue
		}
		if errors.Is(err, transport.ErrOversizedFrame) {
			// Retrying an oversized frame can never succeed; drop it and
			// keep the queue moving.
			e.session.Metrics().RecordOversizedDrop()
			logrus.WithFields(logrus.Fields{
				"system_name": "engine",
				"kind":        f.Kind.String(),
			}).Warn("oversized frame dropped")
			continue
		}
		logrus.WithFields(logrus.Fields{
			"system_name": "engine",
			"kind":        f.Kind.String(),
		}).WithError(err).Warn("send failed, re-enqueueing")
		e.queue.Requeue(frames[i:])
		return
	}
}

func (e *Engine) receive() {
	if e.session == nil {
		return
	}
	for _, f := range e.session.PollFrames(e.receiveBudget) {
		switch f.Kind {
		case transport.KindCommand:
			accepted, err := e.log.IntegratePacket(f.Payload)
			if err != nil {
				logrus.WithField("system_name", "engine").WithError(err).Warn("command packet rejected")
				continue
			}
			e.apply(accepted)
		case transport.KindComponentDelta:
			if e.deltaHandler == nil {
				continue
			}
			var frame replication.DeltaFrame
			if err := json.Unmarshal(f.Payload, &frame); err != nil {
				logrus.WithField("system_name", "engine").WithError(err).Warn("delta frame decode failed")
				continue
			}
			e.deltaHandler(&frame)
		case transport.KindVoice:
			e.voice.HandleInbound(f.Payload)
		}
	}
}

func (e *Engine) apply(entries []*command.Entry) {
	if e.applier == nil {
		return
	}
	for _, entry := range entries {
		if err := e.applier(e.world, entry); err != nil {
			logrus.WithFields(logrus.Fields{
				"system_name": "engine",
				"entry":       entry.ID.String(),
			}).WithError(err).Warn("entry application failed")
		}
	}
}

func (e *Engine) publishTelemetry(profile engine.FrameProfile) telemetry.FrameSnapshot {
	elapsed := e.collector.Elapsed()
	metrics := e.idleMetrics
	if e.session != nil {
		metrics = e.session.Metrics()
	}
	if elapsed > 0 {
		metrics.Tick(elapsed)
		e.log.Metrics().Tick(elapsed)
	}
	e.log.Metrics().SetQueueDepth(e.queue.Depth())

	var polled uint64
	if e.signaling != nil {
		polled = e.signaling.EventsPolled()
	}

	snap := telemetry.FrameSnapshot{
		Frame:                 e.frame,
		Profile:               profile,
		Transport:             metrics.Diagnostics(),
		Commands:              e.log.Metrics().Snapshot(),
		Voice:                 e.voice.Diagnostics(),
		SignalingEventsPolled: polled,
		QueueDepth:            e.queue.Depth(),
		Backpressured:         e.queue.Backpressured(),
	}
	e.collector.Publish(snap)
	return snap
}

// Snapshot builds a full world snapshot for late joiners.
func (e *Engine) Snapshot() (*replication.WorldSnapshot, error) {
	return e.builder.Build(e.world)
}

// Close tears down transports, peers, signaling, and the local hub.
func (e *Engine) Close() {
	e.detachSession()
	if e.peers != nil {
		e.peers.Close()
	}
	if e.signaling != nil {
		e.signaling.Close()
	}
	if e.localHub != nil {
		e.localHub.Stop()
	}
}

// RegisterComponent registers a replicable component type with the engine's
// registry.
func RegisterComponent[T engine.Component](e *Engine) replication.ComponentKey {
	return replication.Register[T](e.registry)
}
