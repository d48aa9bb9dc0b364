// SPDX-License-Identifier: GPL-3.0-or-later

// Command spiped accepts connections on a listen address and, for each
// one, drives a [spiped.ConnectionState] that connects out to one of a
// list of targets, performs the key-agreement handshake, and relays
// encrypted traffic between the two sockets. This binary supplies the
// acceptor, flag parsing, and signal handling that spiped.ConnectionState
// itself deliberately leaves out of its contract.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nerijus/spiped"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cliFlags mirrors the historical spiped command-line surface
// (`-s`/`-t`/`-k`/`-T`), plus the PFS knobs this implementation adds.
type cliFlags struct {
	role        string
	listen      string
	targets     []string
	keyFile     string
	timeout     time.Duration
	noKeepalive bool
	noPFS       bool
	requirePFS  bool
	configFile  string
	verbose     bool
}

// fileConfig is the optional YAML shape read via --config, for callers
// who prefer a settings file over repeated flags.
type fileConfig struct {
	Role        string        `yaml:"role"`
	Listen      string        `yaml:"listen"`
	Targets     []string      `yaml:"targets"`
	KeyFile     string        `yaml:"keyFile"`
	Timeout     time.Duration `yaml:"timeout"`
	NoKeepalive bool          `yaml:"noKeepalive"`
	NoPFS       bool          `yaml:"noPFS"`
	RequirePFS  bool          `yaml:"requirePFS"`
}

func newRootCommand() *cobra.Command {
	flags := &cliFlags{}

	cmd := &cobra.Command{
		Use:   "spiped",
		Short: "Symmetric pre-shared-key encrypted TCP tunnel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVarP(&flags.role, "role", "r", "encrypt", `tunnel role: "encrypt" or "decrypt"`)
	cmd.Flags().StringVarP(&flags.listen, "listen", "s", "", "address to accept connections on")
	cmd.Flags().StringArrayVarP(&flags.targets, "target", "t", nil, "candidate outbound target (repeatable)")
	cmd.Flags().StringVarP(&flags.keyFile, "key-file", "k", "", "path to the pre-shared key file")
	cmd.Flags().DurationVarP(&flags.timeout, "timeout", "T", 5*time.Second, "connect and handshake timeout")
	cmd.Flags().BoolVarP(&flags.noKeepalive, "no-keepalive", "K", false, "disable TCP keepalive on both sockets")
	cmd.Flags().BoolVar(&flags.noPFS, "no-pfs", false, "disable perfect forward secrecy negotiation")
	cmd.Flags().BoolVar(&flags.requirePFS, "require-pfs", false, "reject peers that do not offer forward secrecy")
	cmd.Flags().StringVarP(&flags.configFile, "config", "c", "", "optional YAML file providing these settings")
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable structured logging to stderr")

	return cmd
}

func run(ctx context.Context, flags *cliFlags) error {
	if flags.configFile != "" {
		if err := applyFileConfig(flags); err != nil {
			return err
		}
	}

	role, err := parseRole(flags.role)
	if err != nil {
		return err
	}
	if flags.listen == "" {
		return fmt.Errorf("spiped: --listen is required")
	}
	if len(flags.targets) == 0 {
		return fmt.Errorf("spiped: at least one --target is required")
	}

	secret, err := os.ReadFile(flags.keyFile)
	if err != nil {
		return fmt.Errorf("spiped: reading key file: %w", err)
	}

	targets, err := resolveTargets(ctx, flags.targets)
	if err != nil {
		return err
	}

	logger := spiped.DefaultSLogger()
	if flags.verbose {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}

	cfg := spiped.NewConfig()
	cfg.Logger = logger

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", flags.listen)
	if err != nil {
		return fmt.Errorf("spiped: listen: %w", err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	acc := &acceptor{
		cfg:         cfg,
		role:        role,
		targets:     targets,
		secret:      secret,
		timeout:     flags.timeout,
		noPFS:       flags.noPFS,
		requirePFS:  flags.requirePFS,
		noKeepalive: flags.noKeepalive,
		logger:      logger,
	}
	return acc.serve(ctx, ln)
}

// acceptor owns the listener loop; it is the one piece of
// "configuration loading, signal handling, acceptor" that spec.md
// deliberately keeps outside the connection core's contract.
type acceptor struct {
	cfg         *spiped.Config
	role        spiped.Role
	targets     []spiped.Address
	secret      []byte
	timeout     time.Duration
	noPFS       bool
	requirePFS  bool
	noKeepalive bool
	logger      spiped.SLogger

	wg sync.WaitGroup
}

func (a *acceptor) serve(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			a.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		a.wg.Add(1)
		go a.handle(conn)
	}
}

func (a *acceptor) handle(conn net.Conn) {
	defer a.wg.Done()

	doneCh := make(chan struct{})
	onDead := func(reason spiped.Reason) {
		a.logger.Info("connectionDone", slog.String("reason", reason.String()), slog.String("remoteAddr", conn.RemoteAddr().String()))
		close(doneCh)
	}

	_, err := spiped.Create(a.cfg, conn, a.targets, nil, a.role, a.noPFS, a.requirePFS, a.noKeepalive, a.secret, a.timeout, onDead)
	if err != nil {
		a.logger.Info("connectionRejected", slog.Any("err", err))
		conn.Close()
		return
	}

	<-doneCh
}

func parseRole(s string) (spiped.Role, error) {
	switch s {
	case "encrypt":
		return spiped.RoleEncrypt, nil
	case "decrypt":
		return spiped.RoleDecrypt, nil
	default:
		return 0, fmt.Errorf("spiped: unknown role %q, want \"encrypt\" or \"decrypt\"", s)
	}
}

// resolveTargets turns the user-supplied --target strings into a
// resolved [spiped.Address] list via [spiped.NormalizeAddressString]
// followed by a standard DNS/file lookup.
func resolveTargets(ctx context.Context, raw []string) ([]spiped.Address, error) {
	out := make([]spiped.Address, 0, len(raw))
	for _, r := range raw {
		normalized := spiped.NormalizeAddressString(r)

		host, port, err := net.SplitHostPort(normalized)
		if err != nil {
			// Not host:port shaped; treat as a UNIX socket path.
			out = append(out, spiped.NewUnixAddress(normalized, syscall.SOCK_STREAM))
			continue
		}

		ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
		if err != nil {
			return nil, fmt.Errorf("spiped: resolving target %q: %w", r, err)
		}
		var p uint16
		if _, err := fmt.Sscanf(port, "%d", &p); err != nil {
			return nil, fmt.Errorf("spiped: invalid port in target %q: %w", r, err)
		}
		for _, ip := range ips {
			addr, err := spiped.NewAddressFromNetAddr(&net.TCPAddr{IP: ip, Port: int(p)}, syscall.SOCK_STREAM)
			if err != nil {
				continue
			}
			out = append(out, addr)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("spiped: no target resolved from %v", raw)
	}
	return out, nil
}

func applyFileConfig(flags *cliFlags) error {
	data, err := os.ReadFile(flags.configFile)
	if err != nil {
		return fmt.Errorf("spiped: reading config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("spiped: parsing config file: %w", err)
	}

	if fc.Role != "" {
		flags.role = fc.Role
	}
	if fc.Listen != "" {
		flags.listen = fc.Listen
	}
	if len(fc.Targets) > 0 {
		flags.targets = fc.Targets
	}
	if fc.KeyFile != "" {
		flags.keyFile = fc.KeyFile
	}
	if fc.Timeout != 0 {
		flags.timeout = fc.Timeout
	}
	flags.noKeepalive = flags.noKeepalive || fc.NoKeepalive
	flags.noPFS = flags.noPFS || fc.NoPFS
	flags.requirePFS = flags.requirePFS || fc.RequirePFS

	return nil
}
