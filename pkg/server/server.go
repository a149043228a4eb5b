// Package server exposes the WebSocket control protocol and the REST
// surface over the registry, safety validator, command queue and engine.
package server

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/droidforge/astromech/internal/log"
	"github.com/droidforge/astromech/pkg/choreo"
	"github.com/droidforge/astromech/pkg/command"
	"github.com/droidforge/astromech/pkg/hub"
	"github.com/droidforge/astromech/pkg/protocol"
	"github.com/droidforge/astromech/pkg/safety"
	"github.com/droidforge/astromech/pkg/servo"
)

// DefaultBroadcastRate is the 10 Hz status update interval.
const DefaultBroadcastRate = 100 * time.Millisecond

// Server is the droid control server.
type Server struct {
	app  *fiber.App
	port string

	reg   *servo.Registry
	val   *safety.Validator
	queue *command.Queue
	eng   *choreo.Engine
	lib   *choreo.Library

	controlHub  *hub.Hub
	rate        time.Duration
	profilePath string
	resolver    BehaviorResolver

	stopCh chan struct{}
}

// BehaviorResolver maps an externally-owned behavior name to the sequence
// steps that perform it. Behavior libraries live outside the motion core;
// this is only the hook to consult one.
type BehaviorResolver interface {
	ResolveBehavior(name string) ([]protocol.SequenceStep, error)
}

// SetBehaviorResolver installs the external behavior lookup consulted by
// sequence_command messages that name a behavior instead of listing steps.
func (s *Server) SetBehaviorResolver(r BehaviorResolver) {
	s.resolver = r
}

// NewServer wires the control surface. profilePath is where config save
// commands write the servo profile.
func NewServer(port string, reg *servo.Registry, val *safety.Validator, queue *command.Queue, eng *choreo.Engine, lib *choreo.Library, profilePath string) *Server {
	s := &Server{
		port:        port,
		reg:         reg,
		val:         val,
		queue:       queue,
		eng:         eng,
		lib:         lib,
		controlHub:  hub.New("control"),
		rate:        DefaultBroadcastRate,
		profilePath: profilePath,
		stopCh:      make(chan struct{}),
	}

	app := fiber.New(fiber.Config{
		AppName:               "Astromech Control",
		DisableStartupMessage: true,
	})

	// CORS for local dashboards
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/servos", s.handleListServos)
	api.Get("/choreographies", s.handleListChoreographies)
	api.Post("/choreographies/:name/run", s.handleRunChoreography)
	api.Get("/violations", s.handleViolations)
	api.Post("/violations/resolve", s.handleResolveViolations)
	api.Post("/safety/reset", s.handleSafetyReset)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(s.handleControlWS))

	s.app = app

	// Every client hears about the stop, wherever it was tripped.
	val.OnEmergencyStop(func() {
		s.controlHub.BroadcastJSON(protocol.NewEmergencyStopActivated("emergency stop"))
	})

	return s
}

// Start runs the hub, the status broadcast loop and the listener. Blocks.
func (s *Server) Start() error {
	go s.controlHub.Run()
	go s.broadcastLoop()

	log.Info("control server listening", "port", s.port)
	return s.app.Listen(":" + s.port)
}

// Shutdown stops the broadcast loop, the hub and the listener.
func (s *Server) Shutdown() error {
	close(s.stopCh)
	s.controlHub.Stop()
	return s.app.Shutdown()
}

// broadcastLoop pushes the status snapshot to every client at a fixed rate.
func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(s.rate)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.controlHub.ClientCount() == 0 {
				continue
			}
			s.controlHub.BroadcastJSON(s.snapshot())
		}
	}
}

// snapshot assembles the current system state.
func (s *Server) snapshot() protocol.StatusUpdate {
	configs := s.reg.All()
	servos := make([]protocol.ServoStatus, 0, len(configs))
	for _, cfg := range configs {
		servos = append(servos, protocol.ServoStatus{
			Channel:  cfg.Channel,
			Name:     cfg.Name,
			Position: s.val.LastKnown(cfg.Channel),
			Enabled:  cfg.Enabled,
		})
	}

	upd := protocol.StatusUpdate{
		Type:            protocol.TypeStatusUpdate,
		EmergencyStop:   s.val.EmergencyStopActive(),
		SafetyTier:      string(s.reg.Tier()),
		Servos:          servos,
		PendingCommands: s.queue.Pending(),
		Clients:         s.controlHub.ClientCount(),
		Violations:      len(s.val.Violations()),
		Timestamp:       protocol.Now(),
	}

	if info, running := s.eng.ActiveRun(); running {
		upd.Choreography = &protocol.ActiveChoreography{
			ID:        info.ID,
			Name:      info.Name,
			LoopsLeft: info.LoopsLeft,
		}
	}
	return upd
}

// handleControlWS serves one control connection. The client gets a status
// snapshot on connect, then request/response traffic plus broadcasts.
func (s *Server) handleControlWS(conn *websocket.Conn) {
	client := hub.NewClient(s.controlHub, conn, func(c *hub.Client, data []byte) {
		s.dispatch(c, data)
	})
	client.SendJSON(s.snapshot())
	client.Run()
}
