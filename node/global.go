// Package node implements LocalNode, Node, and send-token arbitration
// (SPEC_FULL.md §4.5). Process-wide configuration lives in package
// global; this file registers its command-line flags.
package node

import (
	"flag"
	"strings"
)

// StartupArgs is the minimal flag set initLocal parses (§4.5.2
// "initLocal(args) parses a minimal flag set (--co-listen <desc>,
// --co-globals <kv>)").
type StartupArgs struct {
	Listen  []string
	Connect []string
	Globals string
	// CacheSpillDir, if set, backs the instance cache's eviction
	// overflow with a pebble store (SPEC_FULL.md DOMAIN STACK) instead
	// of discarding evicted bursts outright.
	CacheSpillDir string
	// MetricsAddr, if set, is the listen address for the Prometheus
	// /metrics HTTP endpoint (ambient observability, §1 Non-goals
	// excludes this from the functional core but not from the process).
	MetricsAddr string
}

type stringSlice []string

func (s *stringSlice) String() string     { return strings.Join(*s, ",") }
func (s *stringSlice) Set(v string) error { *s = append(*s, v); return nil }

// ParseStartupArgs parses --co-listen (repeatable), --co-globals and
// --co-cache-spill from argv. Grounded on spec.md §9 "Global state" and
// §6 CLI; flag parsing via stdlib flag, the only CLI library any repo
// in the retrieved pack uses outside of an interactive REPL.
func ParseStartupArgs(argv []string) (StartupArgs, error) {
	fs := flag.NewFlagSet("collage", flag.ContinueOnError)
	var listen, connect stringSlice
	fs.Var(&listen, "co-listen", "add a listener; may repeat")
	fs.Var(&connect, "co-connect", "connect to a peer at startup; may repeat")
	globals := fs.String("co-globals", "", "override global tunables (k=v,...)")
	spill := fs.String("co-cache-spill", "", "optional disk-backed instance-cache overflow directory")
	metricsAddr := fs.String("co-metrics-addr", "", "optional Prometheus /metrics listen address")
	if err := fs.Parse(argv); err != nil {
		return StartupArgs{}, err
	}
	return StartupArgs{
		Listen:        listen,
		Connect:       connect,
		Globals:       *globals,
		CacheSpillDir: *spill,
		MetricsAddr:   *metricsAddr,
	}, nil
}
