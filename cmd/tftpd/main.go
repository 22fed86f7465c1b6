// Command tftpd is a single CLI binary unifying the teacher's two
// separate flag-based binaries (cmd/tftp-server, cmd/tftp-curl) into one
// subcommands.Command dispatcher, in the idiom used throughout the
// retrieved pack's Fuchsia tooling (github.com/google/subcommands).
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&serveCmd{}, "")
	subcommands.Register(&getCmd{}, "")
	subcommands.Register(&putCmd{}, "")

	flag.Parse()
	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx)))
}
