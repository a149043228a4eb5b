package server

import (
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/droidforge/astromech/pkg/choreo"
	"github.com/droidforge/astromech/pkg/command"
	"github.com/droidforge/astromech/pkg/protocol"
	"github.com/droidforge/astromech/pkg/safety"
	"github.com/droidforge/astromech/pkg/servo"
)

// defaultMoveDuration applies when a servo command omits its duration.
const defaultMoveDuration = 500 * time.Millisecond

// replier is the per-connection response surface.
type replier interface {
	SendJSON(v any) error
}

// dispatch routes one inbound control message. Malformed input gets an
// error response; the connection always stays open.
func (s *Server) dispatch(c replier, data []byte) {
	typ, err := protocol.PeekType(data)
	if err != nil {
		c.SendJSON(protocol.NewError("malformed message: %v", err))
		return
	}

	switch typ {
	case protocol.TypeServoCommand:
		s.handleServoCommand(c, data)
	case protocol.TypeSequenceCommand:
		s.handleSequenceCommand(c, data)
	case protocol.TypeEmergencyStop:
		s.handleEmergencyStop(c, data)
	case protocol.TypeConfigCommand:
		s.handleConfigCommand(c, data)
	case protocol.TypeGetStatus:
		c.SendJSON(s.snapshot())
	default:
		c.SendJSON(protocol.NewError("unknown message type %q", typ))
	}
}

func (s *Server) handleServoCommand(c replier, data []byte) {
	var msg protocol.ServoCommand
	if err := json.Unmarshal(data, &msg); err != nil {
		c.SendJSON(protocol.NewError("invalid servo_command: %v", err))
		return
	}

	dur := time.Duration(msg.Duration) * time.Millisecond
	if dur <= 0 {
		dur = defaultMoveDuration
	}

	cmd, err := s.queue.SubmitCommand(command.Command{
		Channel:  msg.Channel,
		Kind:     safety.KindPosition,
		Target:   msg.Position,
		Duration: dur,
		Delay:    time.Duration(msg.Delay) * time.Millisecond,
	})
	if err != nil {
		c.SendJSON(protocol.NewCommandResponse(false, cmd.ID, false, err.Error()))
		return
	}
	c.SendJSON(protocol.NewCommandResponse(true, cmd.ID, cmd.Target != msg.Position, ""))
}

func (s *Server) handleSequenceCommand(c replier, data []byte) {
	var msg protocol.SequenceCommand
	if err := json.Unmarshal(data, &msg); err != nil {
		c.SendJSON(protocol.NewError("invalid sequence_command: %v", err))
		return
	}

	steps := msg.Commands
	name := msg.Name
	if len(steps) == 0 && msg.Behavior != "" {
		if s.resolver == nil {
			c.SendJSON(protocol.NewSequenceResponse(false, "", 0, "no behavior resolver configured"))
			return
		}
		resolved, err := s.resolver.ResolveBehavior(msg.Behavior)
		if err != nil {
			c.SendJSON(protocol.NewSequenceResponse(false, "", 0, err.Error()))
			return
		}
		steps = resolved
		if name == "" {
			name = msg.Behavior
		}
	}

	seq := command.Sequence{
		Name:      name,
		Loop:      msg.Loop,
		LoopCount: msg.LoopCount,
		Commands:  make([]command.Command, 0, len(steps)),
	}
	for _, step := range steps {
		dur := time.Duration(step.Duration) * time.Millisecond
		if dur <= 0 {
			dur = defaultMoveDuration
		}
		seq.Commands = append(seq.Commands, command.Command{
			Channel:  step.Channel,
			Kind:     safety.KindPosition,
			Target:   step.Position,
			Duration: dur,
			Delay:    time.Duration(step.Delay) * time.Millisecond,
		})
	}

	seq, err := s.queue.SubmitSequence(seq)
	if err != nil {
		c.SendJSON(protocol.NewSequenceResponse(false, seq.ID, 0, err.Error()))
		return
	}
	c.SendJSON(protocol.NewSequenceResponse(true, seq.ID, len(seq.Commands), ""))
}

func (s *Server) handleEmergencyStop(c replier, data []byte) {
	var msg protocol.EmergencyStop
	_ = json.Unmarshal(data, &msg)

	reason := msg.Reason
	if reason == "" {
		reason = "client request"
	}
	s.eng.EmergencyStop(reason)
	c.SendJSON(protocol.NewEmergencyResponse(true))
}

func (s *Server) handleConfigCommand(c replier, data []byte) {
	var msg protocol.ConfigCommand
	if err := json.Unmarshal(data, &msg); err != nil {
		c.SendJSON(protocol.NewError("invalid config_command: %v", err))
		return
	}

	resp := protocol.ConfigResponse{
		Type:      protocol.TypeConfigResponse,
		Action:    msg.Action,
		Timestamp: protocol.Now(),
	}

	switch msg.Action {
	case protocol.ConfigActionGet:
		var payload any
		if msg.Channel != nil {
			cfg, err := s.reg.Get(*msg.Channel)
			if err != nil {
				resp.Message = err.Error()
				c.SendJSON(resp)
				return
			}
			payload = cfg
		} else {
			payload = s.reg.All()
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			resp.Message = err.Error()
			c.SendJSON(resp)
			return
		}
		resp.Success = true
		resp.Data = raw

	case protocol.ConfigActionSet:
		var cfg servo.Config
		if err := json.Unmarshal(msg.Servo, &cfg); err != nil {
			resp.Message = "invalid servo config: " + err.Error()
			c.SendJSON(resp)
			return
		}
		if err := s.reg.Upsert(cfg); err != nil {
			resp.Message = err.Error()
			c.SendJSON(resp)
			return
		}
		resp.Success = true

	case protocol.ConfigActionSave:
		path := msg.Filename
		if path == "" {
			path = s.profilePath
		}
		profile := servo.NewProfile("saved", s.reg)
		if err := servo.SaveProfile(path, profile); err != nil {
			resp.Message = err.Error()
			c.SendJSON(resp)
			return
		}
		resp.Success = true

	default:
		resp.Message = "unknown config action: " + msg.Action
	}

	c.SendJSON(resp)
}

// =============================================================================
// REST handlers
// =============================================================================

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.snapshot())
}

func (s *Server) handleListServos(c *fiber.Ctx) error {
	return c.JSON(s.reg.All())
}

func (s *Server) handleListChoreographies(c *fiber.Ctx) error {
	return c.JSON(s.lib.List())
}

// RunChoreographyRequest tunes one choreography execution.
type RunChoreographyRequest struct {
	SpeedModifier float64 `json:"speed_modifier,omitempty"`
	Intensity     float64 `json:"intensity,omitempty"`
}

func (s *Server) handleRunChoreography(c *fiber.Ctx) error {
	name := c.Params("name")

	var req RunChoreographyRequest
	_ = c.BodyParser(&req)

	opts := choreo.DefaultOptions()
	if req.SpeedModifier > 0 {
		opts.SpeedModifier = req.SpeedModifier
	}
	if req.Intensity > 0 {
		opts.Intensity = req.Intensity
	}

	runID, err := s.eng.Execute(name, opts)
	if err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"run_id": runID})
}

func (s *Server) handleViolations(c *fiber.Ctx) error {
	return c.JSON(s.val.Violations())
}

func (s *Server) handleResolveViolations(c *fiber.Ctx) error {
	s.val.ResolveAll()
	return c.JSON(fiber.Map{"resolved": true})
}

func (s *Server) handleSafetyReset(c *fiber.Ctx) error {
	if err := s.val.ResetEmergencyStop(); err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"reset": true})
}
