package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/pkg/errors"
	"github.com/wjholden/tftpd/internal/backend"
	"github.com/wjholden/tftpd/internal/client"
	"github.com/wjholden/tftpd/internal/logging"
	"github.com/wjholden/tftpd/internal/timer"
	"go.uber.org/zap"
)

type getCmd struct {
	serverAddr string
	remote     string
	local      string
	mode       string
	blksize    int
	timeout    int
	verbose    bool
}

func (*getCmd) Name() string     { return "get" }
func (*getCmd) Synopsis() string { return "download a file from a TFTP server (teacher: tftp-curl)" }
func (*getCmd) Usage() string {
	return "get -server host:69 -remote file.bin -local ./file.bin\n"
}

func (c *getCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.serverAddr, "server", "", "* mandatory: server address, host:port")
	f.StringVar(&c.remote, "remote", "", "* mandatory: remote filename to request")
	f.StringVar(&c.local, "local", "", "local filename to write (defaults to -remote)")
	f.StringVar(&c.mode, "mode", "octet", "transfer mode: octet or netascii")
	f.IntVar(&c.blksize, "blksize", 0, "request this block size (0: don't negotiate)")
	f.IntVar(&c.timeout, "timeout", 0, "request this retransmission timeout in seconds (0: don't negotiate)")
	f.BoolVar(&c.verbose, "verbose", false, "enable development-mode (console) logging")
}

func (c *getCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.serverAddr == "" || c.remote == "" {
		fmt.Fprintln(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	local := c.local
	if local == "" {
		local = c.remote
	}

	log, err := logging.New(c.verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer log.Sync()

	server, err := net.ResolveUDPAddr("udp", c.serverAddr)
	if err != nil {
		err = errors.Wrapf(err, "resolving server address %q", c.serverAddr)
		log.Error("bad configuration", zap.String("cause", fmt.Sprintf("%+v", err)))
		return subcommands.ExitFailure
	}

	be := backend.NewFilesystemBackend(".")
	w, err := be.GetWriter(local)
	if err != nil {
		log.Error("opening local file", zap.String("local", local), zap.Error(err))
		return subcommands.ExitFailure
	}

	opts := client.Options{BlockSize: c.blksize, Timeout: time.Duration(c.timeout) * time.Second}
	if err := client.Get(ctx, server, c.remote, w, c.mode, opts, timer.Real, log); err != nil {
		log.Error("get failed", zap.String("cause", fmt.Sprintf("%+v", err)))
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
