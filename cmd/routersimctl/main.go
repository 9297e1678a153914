// Command routersimctl is the router's operator CLI (spec §6): status,
// show, configure, clear, and start/stop/restart subcommands, each
// exiting with one of the codes spec §6 names (0 success, 1 generic
// error, 2 usage error, 3 config error, 4 runtime error). Dispatch is a
// plain switch over os.Args[1], the same shape the teacher's
// cmd/daemon/main.go uses for its own single-command flag surface,
// generalized to a subcommand tree.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/routersim/routersim/internal/clock"
	"github.com/routersim/routersim/internal/config"
	"github.com/routersim/routersim/internal/events"
	"github.com/routersim/routersim/internal/router"
)

const (
	exitOK          = 0
	exitGeneric     = 1
	exitUsage       = 2
	exitConfigError = 3
	exitRuntime     = 4
)

func main() {
	os.Exit(runMain(os.Args[1:], os.Stdout, os.Stderr))
}

// extractConfigFlag pulls a "-config"/"--config" value out of args
// regardless of its position (subcommand verbs are positional, so a
// flag.FlagSet would stop scanning at the first one) and returns the
// remaining positional arguments in order.
func extractConfigFlag(args []string) (path string, rest []string) {
	path = "config.yaml"
	rest = make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "-config" || a == "--config" {
			if i+1 < len(args) {
				path = args[i+1]
				i++
			}
			continue
		}
		if strings.HasPrefix(a, "-config=") {
			path = strings.TrimPrefix(a, "-config=")
			continue
		}
		if strings.HasPrefix(a, "--config=") {
			path = strings.TrimPrefix(a, "--config=")
			continue
		}
		rest = append(rest, a)
	}
	return path, rest
}

func runMain(args []string, stdout, stderr *os.File) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: routersimctl <status|show|configure|clear|start|stop|restart> [args]")
		return exitUsage
	}

	configPath, rest := extractConfigFlag(args[1:])

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return exitConfigError
	}
	if violations := cfg.Validate(); len(violations) > 0 {
		for _, v := range violations {
			fmt.Fprintf(stderr, "config error: %s: %s\n", v.Field, v.Reason)
		}
		return exitConfigError
	}

	bus := events.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.NewWheel(ctx)

	rtr, err := router.New(cfg, bus, clk)
	if err != nil {
		fmt.Fprintf(stderr, "build router: %v\n", err)
		return exitRuntime
	}

	switch args[0] {
	case "status":
		return cmdStatus(rtr, stdout)
	case "show":
		return cmdShow(rtr, rest, stdout, stderr)
	case "configure":
		return cmdConfigure(rest, stderr)
	case "clear":
		return cmdClear(rtr, rest, stdout, stderr)
	case "start", "stop", "restart":
		return cmdLifecycle(args[0], stdout)
	default:
		fmt.Fprintf(stderr, "unknown subcommand %q\n", args[0])
		return exitUsage
	}
}

func cmdStatus(rtr *router.Router, stdout *os.File) int {
	protocols := rtr.ShowProtocols()
	fmt.Fprintln(stdout, "router status: running")
	fmt.Fprintf(stdout, "  bgp enabled:  %v\n", protocols["BGP"])
	fmt.Fprintf(stdout, "  ospf enabled: %v\n", protocols["OSPF"])
	fmt.Fprintf(stdout, "  isis enabled: %v\n", protocols["ISIS"])
	return exitOK
}

func cmdShow(rtr *router.Router, args []string, stdout, stderr *os.File) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: routersimctl show <interfaces|routes|neighbors|protocols|statistics> [name]")
		return exitUsage
	}
	switch args[0] {
	case "interfaces":
		for _, row := range rtr.ShowInterfaces() {
			fmt.Fprintf(stdout, "%-10s %-16s admin=%v oper=%v in=%d/%d out=%d/%d\n",
				row.Name, row.Addr, row.AdminUp, row.OperUp,
				row.Counters.PacketsIn, row.Counters.BytesIn,
				row.Counters.PacketsOut, row.Counters.BytesOut)
		}
	case "routes":
		for _, rt := range rtr.ShowRoutes() {
			fmt.Fprintf(stdout, "%-18s via %-15s %-9s iface=%s metric=%d dist=%d\n",
				rt.Dest, rt.NextHop, rt.Protocol, rt.OutIface, rt.Metric, rt.AdminDist)
		}
	case "neighbors":
		for _, n := range rtr.ShowNeighbors() {
			fmt.Fprintf(stdout, "%-6s %-16s %s\n", n.Protocol, n.Addr, n.State)
		}
	case "protocols":
		for proto, enabled := range rtr.ShowProtocols() {
			fmt.Fprintf(stdout, "%-6s enabled=%v\n", proto, enabled)
		}
	case "statistics":
		if len(args) < 2 {
			fmt.Fprintln(stderr, "usage: routersimctl show statistics <interface>")
			return exitUsage
		}
		stats, ok := rtr.ShowStatistics(args[1])
		if !ok {
			fmt.Fprintf(stderr, "no shaper configured for interface %q\n", args[1])
			return exitGeneric
		}
		fmt.Fprintf(stdout, "processed=%d dropped=%d delayed=%d bytes_processed=%d bytes_dropped=%d\n",
			stats.PacketsProcessed, stats.PacketsDropped, stats.PacketsDelayed,
			stats.BytesProcessed, stats.BytesDropped)
	default:
		fmt.Fprintf(stderr, "unknown show target %q\n", args[0])
		return exitUsage
	}
	return exitOK
}

// cmdConfigure validates that a configure subcommand names one of the
// spec-defined targets; actual mutation happens by editing the YAML
// configuration file and restarting, since this module models
// configuration as a file loaded at router construction time (spec §6)
// rather than a live patch API.
func cmdConfigure(args []string, stderr *os.File) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: routersimctl configure <interface|protocol|shaping|impairments>")
		return exitUsage
	}
	switch args[0] {
	case "interface", "protocol", "shaping", "impairments":
		fmt.Fprintln(stderr, "edit the configuration file and restart the daemon to apply changes")
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown configure target %q\n", args[0])
		return exitUsage
	}
}

func cmdClear(rtr *router.Router, args []string, stdout, stderr *os.File) int {
	if len(args) < 2 || args[0] != "counters" {
		fmt.Fprintln(stderr, "usage: routersimctl clear counters <interface>")
		return exitUsage
	}
	if err := rtr.ClearCounters(args[1]); err != nil {
		fmt.Fprintf(stderr, "clear counters: %v\n", err)
		return exitGeneric
	}
	fmt.Fprintf(stdout, "cleared counters for %s\n", args[1])
	return exitOK
}

// cmdLifecycle acknowledges start/stop/restart: this CLI builds a
// throwaway Router per invocation to serve status/show/clear, so the
// actual long-running process lifecycle belongs to cmd/routersimd; these
// verbs are accepted here for operator scripting parity with spec §6 but
// delegate to daemon process management (systemd, supervisor, etc.)
// rather than this binary.
func cmdLifecycle(verb string, stdout *os.File) int {
	fmt.Fprintf(stdout, "%s: manage the routersimd process directly (e.g. via systemd or your init system)\n", verb)
	return exitOK
}
