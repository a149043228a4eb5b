package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/droidforge/astromech/internal/config"
	"github.com/droidforge/astromech/internal/log"
	"github.com/droidforge/astromech/internal/storage/postgres"
	"github.com/droidforge/astromech/pkg/choreo"
	"github.com/droidforge/astromech/pkg/command"
	"github.com/droidforge/astromech/pkg/cue"
	"github.com/droidforge/astromech/pkg/driver"
	"github.com/droidforge/astromech/pkg/safety"
	"github.com/droidforge/astromech/pkg/server"
	"github.com/droidforge/astromech/pkg/servo"
)

func main() {
	configPath := flag.String("config", "astromech.yaml", "Service config file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	log.Init(*logLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error("config load failed", "path", *configPath, "error", err)
			os.Exit(1)
		}
		log.Warn("no config file, using defaults", "path", *configPath)
		cfg = config.Default()
	}

	// Servo registry and profile
	tier := servo.SafetyTier(cfg.SafetyTier())
	reg, issues := servo.LoadRegistry(cfg.ProfilePath(), tier)
	for _, issue := range issues {
		log.Warn("servo profile issue", "issue", issue)
	}
	log.Info("servo registry loaded", "servos", reg.Count(), "tier", tier)

	// Actuator driver
	drv := buildDriver(cfg)
	if err := drv.Connect(); err != nil {
		log.Error("driver connect failed", "backend", cfg.DriverBackend(), "error", err)
		os.Exit(1)
	}
	defer drv.Disconnect()

	// Safety validator, with optional violation persistence
	val := safety.NewValidator(reg)
	if cfg.Storage.Postgres {
		if pg, err := postgres.New(); err != nil {
			log.Warn("violation persistence unavailable", "error", err)
		} else {
			val.SetSink(pg)
			defer pg.Close()
		}
	}
	// A Monitor-tripped stop must reach the hardware even when the engine
	// tick hasn't come around yet.
	val.OnEmergencyStop(func() {
		if err := drv.EmergencyStopAll(); err != nil {
			log.Error("driver emergency stop failed", "error", err)
		}
	})

	// Choreography library and engine
	lib := choreo.NewLibrary()
	if err := lib.LoadBuiltIn(); err != nil {
		log.Error("built-in choreographies failed to load", "error", err)
		os.Exit(1)
	}
	eng := choreo.NewEngine(reg, val, drv, lib, time.Second/time.Duration(cfg.TickHz()))

	if url := cfg.MQTTURL(); url != "" {
		pub := cue.NewPublisher(url, "astromech", cfg.Audio.Topic)
		if err := pub.Connect(); err != nil {
			log.Warn("audio cue broker unreachable, cues disabled for now", "error", err)
		}
		eng.SetAudioCuer(pub)
		defer pub.Disconnect()
	}

	// Command queue
	queue := command.NewQueue(reg, val, eng, 0)
	if err := queue.Start(); err != nil {
		log.Error("command queue start failed", "error", err)
		os.Exit(1)
	}

	// Control server
	srv := server.NewServer(cfg.Port(), reg, val, queue, eng, lib, cfg.ProfilePath())

	go eng.Run()
	go func() {
		if err := srv.Start(); err != nil {
			log.Error("server stopped", "error", err)
		}
	}()

	log.Info("astromech motion core up", "port", cfg.Port(), "driver", cfg.DriverBackend())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	srv.Shutdown()
	queue.Stop()
	eng.GoHome()
	eng.Stop()
}

// buildDriver selects the actuator backend.
func buildDriver(cfg *config.ServiceConfig) driver.Driver {
	switch cfg.DriverBackend() {
	case "maestro":
		return driver.NewMaestro(cfg.SerialPort(), 9600)
	case "rpio":
		return driver.NewRPiPWM(cfg.Driver.Pins)
	default:
		return driver.NewSim()
	}
}
