package main

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/fueldev/fuel/internal/common/config"
	"github.com/fueldev/fuel/internal/common/logger"
	"github.com/fueldev/fuel/internal/lifecycle"
	"github.com/fueldev/fuel/pkg/wire"
)

const replyTimeout = 10 * time.Second

// daemonClient is a one-shot IPC connection to a running consume daemon.
type daemonClient struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

// dialDaemon connects to the daemon recorded in the PID file. Returns
// lifecycle.ErrNotRunning when no live daemon is found.
func dialDaemon(cfg *config.Config) (*daemonClient, error) {
	lm := lifecycle.NewManager(cfg.DataDir, logger.Default())
	inst, err := lm.LiveInstance()
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", inst.Port), 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial consume on port %d: %w", inst.Port, err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	return &daemonClient{conn: conn, scanner: scanner}, nil
}

func (c *daemonClient) close() {
	c.conn.Close()
}

func (c *daemonClient) send(cmd wire.Command) error {
	line, err := wire.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(line)
	return err
}

// waitFor reads events until one of the wanted types arrives (skipping the
// hello/snapshot preamble and unrelated broadcasts) or the timeout expires.
// An error event is surfaced as a Go error.
func (c *daemonClient) waitFor(types ...string) (wire.Event, error) {
	wanted := make(map[string]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}
	deadline := time.Now().Add(replyTimeout)
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := wire.DecodeEvent(line)
		if err != nil {
			continue
		}
		if errEv, ok := ev.(*wire.ErrorEvent); ok && !wanted[wire.EvError] {
			return nil, fmt.Errorf("%s", errEv.Message)
		}
		if wanted[ev.MessageType()] {
			return ev, nil
		}
	}
	if err := c.scanner.Err(); err != nil {
		return nil, fmt.Errorf("waiting for daemon reply: %w", err)
	}
	return nil, fmt.Errorf("daemon closed the connection")
}
