package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/droidforge/astromech/pkg/client"
	"github.com/droidforge/astromech/pkg/protocol"
)

const usage = `droidctl - astromech control client

Usage:
  droidctl [-addr host:port] status
  droidctl [-addr host:port] move <channel> <position> [duration_ms]
  droidctl [-addr host:port] estop [reason]
  droidctl [-addr host:port] run <choreography>

Default address is localhost:8765.`

func main() {
	addr := "localhost:8765"
	args := os.Args[1:]

	if len(args) >= 2 && args[0] == "-addr" {
		addr = args[1]
		args = args[2:]
	}
	if len(args) == 0 {
		fmt.Println(usage)
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "status":
		err = cmdStatus(addr)
	case "move":
		err = cmdMove(addr, args[1:])
	case "estop":
		reason := "droidctl"
		if len(args) > 1 {
			reason = args[1]
		}
		err = cmdEStop(addr, reason)
	case "run":
		if len(args) < 2 {
			err = fmt.Errorf("run requires a choreography name")
		} else {
			err = cmdRun(addr, args[1])
		}
	default:
		fmt.Println(usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// connect dials the control socket and returns the client plus a channel of
// non-broadcast responses.
func connect(addr string) (*client.Client, chan []byte, error) {
	c := client.New("ws://" + addr + "/ws")
	responses := make(chan []byte, 8)
	c.OnResponse = func(_ protocol.MessageType, data []byte) {
		select {
		case responses <- data:
		default:
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		return nil, nil, err
	}
	return c, responses, nil
}

func cmdStatus(addr string) error {
	c := client.New("ws://" + addr + "/ws")

	status := make(chan protocol.StatusUpdate, 1)
	c.OnStatus = func(upd protocol.StatusUpdate) {
		select {
		case status <- upd:
		default:
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Close()

	// The server pushes a snapshot on connect.
	select {
	case upd := <-status:
		pretty, err := json.MarshalIndent(upd, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(pretty))
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("no status received")
	}
}

func cmdMove(addr string, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("move requires channel and position")
	}
	channel, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("bad channel: %w", err)
	}
	position, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("bad position: %w", err)
	}
	duration := 0
	if len(args) > 2 {
		if duration, err = strconv.Atoi(args[2]); err != nil {
			return fmt.Errorf("bad duration: %w", err)
		}
	}

	c, responses, err := connect(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.MoveServo(channel, position, duration); err != nil {
		return err
	}

	select {
	case data := <-responses:
		var resp protocol.CommandResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("rejected: %s", resp.Message)
		}
		if resp.Clamped {
			fmt.Println("accepted (clamped to safe range), id", resp.CommandID)
		} else {
			fmt.Println("accepted, id", resp.CommandID)
		}
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("no response")
	}
}

func cmdEStop(addr, reason string) error {
	c, responses, err := connect(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.EmergencyStop(reason); err != nil {
		return err
	}

	select {
	case <-responses:
		fmt.Println("emergency stop engaged")
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("no response")
	}
}

func cmdRun(addr, name string) error {
	resp, err := http.Post("http://"+addr+"/api/choreographies/"+name+"/run", "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rejected: %s", body["error"])
	}
	fmt.Println("running, id", body["run_id"])
	return nil
}
