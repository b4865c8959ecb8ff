package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func startTestServer(t *testing.T, hooks Hooks) (*Server, net.Conn, *bufio.Reader) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ctl.sock")
	if hooks.Stats == nil {
		hooks.Stats = func() map[string]map[string]uint64 {
			return map[string]map[string]uint64{"global": {"incoming_packets": 7}}
		}
	}
	hooks.Version = "test"
	srv := NewServer(path, hooks)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Stop)

	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	reader := bufio.NewReader(conn)
	greeting, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("greeting: %v", err)
	}
	if !strings.HasPrefix(greeting, "ipv6-dhcpd") {
		t.Fatalf("greeting = %q", greeting)
	}
	return srv, conn, reader
}

func command(t *testing.T, conn net.Conn, reader *bufio.Reader, cmd string) []string {
	t.Helper()
	fmt.Fprintf(conn, "%s\n", cmd)

	var lines []string
	for {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read after %q: %v", cmd, err)
		}
		line = strings.TrimRight(line, "\n")
		if line == "." {
			return lines
		}
		lines = append(lines, line)
		if strings.HasPrefix(line, "OK") || strings.HasPrefix(line, "ERR") {
			return lines
		}
	}
}

func TestStatsCommand(t *testing.T) {
	_, conn, reader := startTestServer(t, Hooks{
		Shutdown: func() {},
		Reload:   func() error { return nil },
	})

	lines := command(t, conn, reader, "stats")
	found := false
	for _, line := range lines {
		if line == "global.incoming_packets 7" {
			found = true
		}
	}
	if !found {
		t.Fatalf("stats output missing counter: %v", lines)
	}
}

func TestStatsJSON(t *testing.T) {
	_, conn, reader := startTestServer(t, Hooks{
		Shutdown: func() {},
		Reload:   func() error { return nil },
	})

	lines := command(t, conn, reader, "stats-json")
	if len(lines) != 1 || !strings.Contains(lines[0], `"incoming_packets":7`) {
		t.Fatalf("stats-json output = %v", lines)
	}
}

func TestReloadReportsErrors(t *testing.T) {
	_, conn, reader := startTestServer(t, Hooks{
		Shutdown: func() {},
		Reload:   func() error { return fmt.Errorf("config is nonsense") },
	})

	lines := command(t, conn, reader, "reload")
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "ERR") {
		t.Fatalf("reload output = %v", lines)
	}
}

func TestShutdownCommand(t *testing.T) {
	called := make(chan struct{}, 1)
	_, conn, reader := startTestServer(t, Hooks{
		Shutdown: func() { called <- struct{}{} },
		Reload:   func() error { return nil },
	})

	lines := command(t, conn, reader, "shutdown")
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "OK") {
		t.Fatalf("shutdown output = %v", lines)
	}
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("shutdown hook not invoked")
	}
}

func TestUnknownCommand(t *testing.T) {
	_, conn, reader := startTestServer(t, Hooks{
		Shutdown: func() {},
		Reload:   func() error { return nil },
	})

	lines := command(t, conn, reader, "frobnicate")
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "ERR") {
		t.Fatalf("unknown command output = %v", lines)
	}
}
