// Command ipv6-dhcpd is the DHCPv6 server.
//
// Usage: ipv6-dhcpd [-v...] [-p pidfile] [-C] config-file
//
// Exit codes: 0 on a clean shutdown, 1 for configuration errors, 2 for
// runtime errors, 3 for privilege errors.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	_ "github.com/veesix-networks/ipv6-dhcpd/internal/filters"
	_ "github.com/veesix-networks/ipv6-dhcpd/internal/handlers"
	"github.com/veesix-networks/ipv6-dhcpd/internal/server"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/config"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/logger"
)

const (
	exitOK        = 0
	exitConfig    = 1
	exitRuntime   = 2
	exitPrivilege = 3
)

// countFlag counts repeated occurrences, for -v -v -v.
type countFlag int

func (c *countFlag) String() string { return strconv.Itoa(int(*c)) }

func (c *countFlag) Set(string) error {
	*c++
	return nil
}

func (c *countFlag) IsBoolFlag() bool { return true }

func main() {
	os.Exit(run())
}

func run() int {
	var verbosity countFlag
	pidFile := flag.String("p", "", "Path to the PID file")
	checkOnly := flag.Bool("C", false, "Print the parsed configuration and exit")
	flag.Var(&verbosity, "v", "Increase log verbosity (repeatable)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-v...] [-p pidfile] [-C] config-file\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return exitConfig
	}
	configFile := flag.Arg(0)

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		return exitConfig
	}

	if *checkOnly {
		dump, err := config.Dump(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
			return exitConfig
		}
		fmt.Print(dump)
		return exitOK
	}

	server.ConfigureLogging(cfg)
	if verbosity > 0 {
		logger.IncreaseVerbosity(int(verbosity))
	}

	master, err := server.New(server.Options{ConfigFile: configFile, PIDFile: *pidFile}, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		return exitConfig
	}

	if err := master.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
			return exitPrivilege
		}
		return exitRuntime
	}
	return exitOK
}
