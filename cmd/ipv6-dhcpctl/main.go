// Command ipv6-dhcpctl talks to a running ipv6-dhcpd over its control
// socket. With a command on the command line it runs one-shot; without one
// it drops into an interactive shell.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"
)

const defaultSocket = "/var/run/ipv6-dhcpd.sock"

func main() {
	socketPath := flag.String("c", defaultSocket, "Path to the control socket")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-c socket] [command [args...]]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	conn, err := net.DialTimeout("unix", *socketPath, 5*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot connect to %s: %v\n", *socketPath, err)
		fmt.Fprintf(os.Stderr, "is ipv6-dhcpd running?\n")
		os.Exit(1)
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)

	// The server greets first
	greeting, err := reader.ReadString('\n')
	if err != nil {
		fmt.Fprintf(os.Stderr, "no greeting from server: %v\n", err)
		os.Exit(1)
	}

	if flag.NArg() > 0 {
		command := strings.Join(flag.Args(), " ")
		ok, err := execute(conn, reader, command, os.Stdout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		if !ok {
			os.Exit(1)
		}
		return
	}

	interactive(conn, reader, strings.TrimSpace(greeting))
}

// execute sends one command and copies the response to out. Returns
// whether the server acknowledged it.
func execute(conn net.Conn, reader *bufio.Reader, command string, out io.Writer) (bool, error) {
	if _, err := fmt.Fprintf(conn, "%s\n", command); err != nil {
		return false, fmt.Errorf("send command: %w", err)
	}

	first := true
	for {
		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		line, err := reader.ReadString('\n')
		if err != nil {
			return false, fmt.Errorf("read response: %w", err)
		}
		line = strings.TrimRight(line, "\n")

		if first {
			first = false
			switch {
			case line == "OK" || strings.HasPrefix(line, "OK "):
				fmt.Fprintln(out, line)
				return true, nil
			case strings.HasPrefix(line, "ERR"):
				fmt.Fprintln(out, line)
				return false, nil
			}
			// Anything else starts a multi-line block
		}
		if line == "." {
			return true, nil
		}
		fmt.Fprintln(out, line)
	}
}

func interactive(conn net.Conn, reader *bufio.Reader, greeting string) {
	fmt.Println(greeting)

	rl, err := readline.NewEx(&readline.Config{
		Prompt: "ipv6-dhcpd> ",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("help"),
			readline.PcItem("stats"),
			readline.PcItem("stats-json"),
			readline.PcItem("reload"),
			readline.PcItem("shutdown"),
			readline.PcItem("quit"),
		),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			return
		}
		command := strings.TrimSpace(line)
		if command == "" {
			continue
		}
		if _, err := execute(conn, reader, command, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return
		}
		if command == "quit" || command == "exit" || command == "shutdown" {
			return
		}
	}
}
