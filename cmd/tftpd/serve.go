package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/google/subcommands"
	"github.com/pkg/errors"
	"github.com/wjholden/tftpd/internal/backend"
	"github.com/wjholden/tftpd/internal/logging"
	"github.com/wjholden/tftpd/internal/server"
	"go.uber.org/zap"
)

type serveCmd struct {
	addr     string
	root     string
	readonly bool
	discard  bool
	verbose  bool
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "run a TFTP server (teacher: tftp-server)" }
func (*serveCmd) Usage() string {
	return "serve -addr :69 -root /srv/tftp [-readonly] [-discard]\n"
}

func (c *serveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.addr, "addr", ":69", "UDP address to listen on")
	f.StringVar(&c.root, "root", ".", "directory to serve")
	f.BoolVar(&c.readonly, "readonly", false, "reject all write (WRQ) requests")
	f.BoolVar(&c.discard, "discard", false, "accept uploads but don't write them to disk")
	f.BoolVar(&c.verbose, "verbose", false, "enable development-mode (console) logging")
}

func (c *serveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	log, err := logging.New(c.verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer log.Sync()

	udpAddr, err := net.ResolveUDPAddr("udp", c.addr)
	if err != nil {
		err = errors.Wrapf(err, "resolving listen address %q", c.addr)
		log.Error("bad configuration", zap.String("cause", fmt.Sprintf("%+v", err)))
		return subcommands.ExitFailure
	}

	be := &backend.FilesystemBackend{
		Root:     c.root,
		CanRead:  true,
		CanWrite: !c.readonly,
		Discard:  c.discard,
	}
	d := server.NewDispatcher(udpAddr, be, log)
	if err := d.ListenAndServe(ctx); err != nil {
		log.Error("server stopped", zap.String("cause", fmt.Sprintf("%+v", err)))
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
