/*
Copyright 2024 Pharos Networks, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command pharosd is the mesh control plane daemon: it issues client
// certificates, allocates overlay addresses and serves node configs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/pharosvpn/pharos"
	"github.com/pharosvpn/pharos/lib/config"
	"github.com/pharosvpn/pharos/lib/service"
	"github.com/pharosvpn/pharos/lib/utils"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	var flags config.CommandLineFlags

	app := kingpin.New("pharosd", "Pharos mesh VPN control plane.")
	app.HelpFlag.Short('h')

	start := app.Command("start", "Start the control plane daemon.")
	start.Flag("config", "Path to the configuration file.").Short('c').StringVar(&flags.ConfigFile)
	start.Flag("data-dir", "Directory holding the pharos database.").StringVar(&flags.DataDir)
	start.Flag("listen-addr", "Address to serve the API on.").StringVar(&flags.ListenAddr)
	start.Flag("debug", "Enable debug logging.").Short('d').BoolVar(&flags.Debug)

	version := app.Command("version", "Print the version and exit.")
	sample := app.Command("configure", "Print a sample configuration file.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}
	switch command {
	case start.FullCommand():
		return trace.Wrap(onStart(flags))
	case version.FullCommand():
		fmt.Println("pharosd", pharos.Version)
	case sample.FullCommand():
		fmt.Print(config.SampleConfig())
	}
	return nil
}

func onStart(flags config.CommandLineFlags) error {
	fc, err := config.ReadConfigFile(flags.ConfigFile)
	if err != nil {
		return trace.Wrap(err)
	}
	cfg, err := config.Apply(fc, flags)
	if err != nil {
		return trace.Wrap(err)
	}
	utils.InitLogger(logLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	process, err := service.New(ctx, cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(process.Run(ctx))
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
