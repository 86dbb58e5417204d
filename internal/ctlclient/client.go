// Package ctlclient is the tiny newline-delimited-JSON client cmd/ccbctl
// uses to talk to a running provider daemon — never a request-submitting
// wrapper, just enough to ping a daemon and read back its pong (spec
// §4's wire protocol, client side).
package ctlclient

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/wiretap-dev/ccb/internal/daemon"
)

// DialTimeout bounds how long ccbctl waits to connect before concluding
// the daemon is unreachable.
const DialTimeout = 3 * time.Second

// Ping connects to the daemon registered for prefix and sends a
// "<prefix>.ping", returning the round-trip latency on success.
func Ping(prefix string) (time.Duration, error) {
	sf, err := daemon.ReadState(prefix)
	if err != nil {
		return 0, fmt.Errorf("no running %sd (state file unreadable: %w)", prefix, err)
	}

	addr := net.JoinHostPort(sf.ConnectHost, fmt.Sprint(sf.Port))
	start := time.Now()
	resp, err := send(addr, map[string]any{
		"type":  prefix + ".ping",
		"v":     1,
		"id":    "ccbctl",
		"token": sf.Token,
	})
	if err != nil {
		return 0, err
	}
	if resp["type"] != prefix+".pong" {
		return 0, fmt.Errorf("unexpected response type %v", resp["type"])
	}
	return time.Since(start), nil
}

func send(addr string, obj map[string]any) (map[string]any, error) {
	conn, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	data, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(DialTimeout))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var resp map[string]any
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}
