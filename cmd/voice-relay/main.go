// voice-relay fans timestamped audio frames between peers through a central
// relay, over hand-built raw IPv4 packets carrying a private framing header.
//
// Usage:
//
//	voice-relay server -interface eth0 [-ip 192.168.1.10] [flags]
//	voice-relay client -server 192.168.1.10 -id 42 [flags]
package main

import (
	"errors"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mojo333/voice-relay/internal/logger"
	"github.com/mojo333/voice-relay/internal/netifaces"
	"github.com/mojo333/voice-relay/internal/noise"
	"github.com/mojo333/voice-relay/internal/peer"
	"github.com/mojo333/voice-relay/internal/rawip"
	"github.com/mojo333/voice-relay/internal/registry"
	"github.com/mojo333/voice-relay/internal/relay"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		usage()
		return 1
	}
	switch args[0] {
	case "server":
		return runServer(args[1:])
	case "client":
		return runClient(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown mode: %s\n", args[0])
		usage()
		return 1
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage:\n  %s server -interface <ifname> [-ip <addr>] [flags]\n  %s client -server <addr> -id <n> [flags]\n",
		os.Args[0], os.Args[0])
}

// logOptions are the logging flags shared by both modes.
type logOptions struct {
	foreground bool
	logfile    string
	monitor    string
	verbose    bool
}

func (o *logOptions) register(fs *flag.FlagSet) {
	fs.BoolVar(&o.foreground, "foreground", false, "Do not background, log to stdout.")
	fs.StringVar(&o.logfile, "logfile", "", "Save logs to this file.")
	fs.StringVar(&o.monitor, "monitor", "", "Record lifecycle events and warnings to this file.")
	fs.BoolVar(&o.verbose, "verbose", false, "Enable verbose output.")
}

// newLogger builds the process logger from the shared logging flags,
// attaching the monitor log when one was requested.
func newLogger(opts logOptions) (*logger.Logger, error) {
	log, err := logger.New(opts.foreground, opts.logfile, opts.verbose)
	if err != nil {
		return nil, err
	}
	if opts.monitor != "" {
		if err := log.SetMonitor(opts.monitor); err != nil {
			log.Close()
			return nil, err
		}
	}
	return log, nil
}

type serverOptions struct {
	iface      string
	ip         netip.Addr
	maxClients int
	expire     time.Duration
	logOptions
}

func parseServerFlags(args []string) (serverOptions, error) {
	var opts serverOptions
	fs := flag.NewFlagSet("voice-relay server", flag.ContinueOnError)
	fs.StringVar(&opts.iface, "interface", "", "Bind the receive socket to this interface; its address is the default relay address.")
	ipStr := fs.String("ip", "", "IPv4 address forwarded packets are sourced from.")
	fs.IntVar(&opts.maxClients, "maxClients", registry.DefaultMaxClients, "Maximum number of registered clients.")
	fs.DurationVar(&opts.expire, "expire", 0, "Drop clients idle longer than this (0 keeps them forever).")
	opts.logOptions.register(fs)

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if *ipStr != "" {
		addr, err := netip.ParseAddr(*ipStr)
		if err != nil || !addr.Is4() {
			return opts, fmt.Errorf("invalid relay address %q", *ipStr)
		}
		opts.ip = addr
	}
	if opts.iface == "" && !opts.ip.IsValid() {
		return opts, errors.New("need -interface or -ip")
	}
	if opts.maxClients < 1 {
		return opts, fmt.Errorf("invalid -maxClients %d", opts.maxClients)
	}
	return opts, nil
}

type clientOptions struct {
	server     netip.Addr
	id         uint32
	interval   time.Duration
	frameBytes int
	playout    time.Duration
	logOptions
}

func parseClientFlags(args []string) (clientOptions, error) {
	var opts clientOptions
	fs := flag.NewFlagSet("voice-relay client", flag.ContinueOnError)
	serverStr := fs.String("server", "", "IPv4 address of the relay (required).")
	id := fs.Int64("id", -1, "Client identifier, 0..4294967295 (required).")
	fs.DurationVar(&opts.interval, "interval", peer.DefaultInterval, "Frame generation period.")
	fs.IntVar(&opts.frameBytes, "frameBytes", noise.DefaultFrameBytes, "Simulated audio bytes per frame.")
	fs.DurationVar(&opts.playout, "playout", peer.DefaultPlayoutDelay, "Receiver playout buffering target (negative disables).")
	opts.logOptions.register(fs)

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if *serverStr == "" {
		return opts, errors.New("-server is required")
	}
	addr, err := netip.ParseAddr(*serverStr)
	if err != nil || !addr.Is4() {
		return opts, fmt.Errorf("invalid server address %q", *serverStr)
	}
	opts.server = addr
	if *id < 0 || *id > 0xFFFFFFFF {
		return opts, errors.New("-id is required and must fit in 32 bits")
	}
	opts.id = uint32(*id)
	if opts.interval <= 0 {
		return opts, fmt.Errorf("invalid -interval %s", opts.interval)
	}
	if opts.frameBytes < 1 || opts.frameBytes > rawip.MaxPacketSize-100 {
		return opts, fmt.Errorf("invalid -frameBytes %d", opts.frameBytes)
	}
	return opts, nil
}

// formatArgs renders the process arguments for the startup log line.
func formatArgs() string {
	return strings.Join(os.Args[1:], " ")
}

// resolveServerAddr determines the relay source address and the receive-bind
// device from the parsed flags. With -interface alone the interface's address
// is used. An explicit -ip is checked against the local interfaces: when
// found, its interface fills in a missing bind device; when not, the address
// is still accepted (local is false so the caller can warn) since forwarded
// packets carry it only as a source field.
func resolveServerAddr(opts serverOptions) (addr netip.Addr, device string, local bool, err error) {
	if !opts.ip.IsValid() {
		info, err := netifaces.FindByName(opts.iface)
		if err != nil {
			return netip.Addr{}, "", false, err
		}
		return info.IP, opts.iface, true, nil
	}
	info, err := netifaces.FindByIP(opts.ip)
	if err != nil {
		return opts.ip, opts.iface, false, nil
	}
	device = opts.iface
	if device == "" {
		device = info.Name
	}
	return opts.ip, device, true, nil
}

func runServer(args []string) int {
	opts, err := parseServerFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log, err := newLogger(opts.logOptions)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %s\n", err)
		return 1
	}
	defer log.Close()
	log.Info("voice-relay %s", formatArgs())
	log.Monitor("voice-relay %s", formatArgs())

	localAddr, device, local, err := resolveServerAddr(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving interface: %s\n", err)
		return 1
	}
	if !local {
		log.Warning("Address %s is not assigned to any local interface", localAddr)
	}

	transport, err := rawip.NewTransport(device, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening raw sockets: %s\n", err)
		return 1
	}

	packetRelay, err := relay.New(relay.Config{
		LocalAddr: localAddr,
		Transport: transport,
		Registry:  registry.New(opts.maxClients, opts.expire),
		Logger:    log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing relay: %s\n", err)
		return 1
	}

	shutdownOnSignal(log, packetRelay.Close)

	log.Info("Server started on interface=%s ip=%s", device, localAddr)
	log.Monitor("Server started on interface=%s ip=%s", device, localAddr)
	if err := packetRelay.Loop(); err != nil {
		fmt.Fprintf(os.Stderr, "Relay error: %s\n", err)
		return 1
	}
	return 0
}

func runClient(args []string) int {
	opts, err := parseClientFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log, err := newLogger(opts.logOptions)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %s\n", err)
		return 1
	}
	defer log.Close()
	log.Info("voice-relay %s", formatArgs())
	log.Monitor("voice-relay %s", formatArgs())

	transport, err := rawip.NewTransport("", log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening raw sockets: %s\n", err)
		return 1
	}

	p, err := peer.New(peer.Config{
		RelayAddr:    opts.server,
		ClientID:     opts.id,
		Source:       noise.New(opts.frameBytes),
		Transport:    transport,
		Logger:       log,
		Interval:     opts.interval,
		PlayoutDelay: opts.playout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing peer: %s\n", err)
		return 1
	}

	shutdownOnSignal(log, p.Close)

	if err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Client error: %s\n", err)
		return 1
	}
	return 0
}

// shutdownOnSignal closes the given resource on SIGINT/SIGTERM, which
// unblocks the receive loops and lets main return normally.
func shutdownOnSignal(log *logger.Logger, closeFn func() error) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("Received %s, shutting down", sig)
		log.Monitor("Received %s, shutting down", sig)
		if err := closeFn(); err != nil {
			log.Warning("Error during shutdown: %s", err)
		}
	}()
}
