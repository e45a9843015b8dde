package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/mattn/go-isatty"
	"github.com/smarthelmet/relay/cmd/helmet/console"
	"github.com/smarthelmet/relay/cmd/helmet/relay"
	"github.com/smarthelmet/relay/cmd/helmet/scan"
	"github.com/smarthelmet/relay/cmd/helmet/subcmd"
	"github.com/smarthelmet/relay/internal/state"
	"github.com/smarthelmet/relay/log2"
)

var log = log2.NewStderr(log2.LDebug)
var modules = []subcmd.Mod{
	relay.Mod,
	scan.Mod,
	console.Mod,
	{Name: "version", Usage: "print build version", Main: nil},
}

// set by script/build
var BuildVersion string = "unknown"

func main() {
	flagset := flag.NewFlagSet("helmet", flag.ContinueOnError)
	flagConfig := flagset.String("config", "helmet.hcl", "")
	flagDebug := flagset.Bool("debug", false, "debug log level")
	flagset.Usage = func() {
		fmt.Fprintf(flagset.Output(), "Usage: %s [option] [command]\nOptions:\n", flagset.Name())
		flagset.PrintDefaults()
		fmt.Fprintf(flagset.Output(), "Commands:\n")
		for _, m := range modules {
			fmt.Fprintf(flagset.Output(), "  %-8s %s\n", m.Name, m.Usage)
		}
	}
	if err := flagset.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		log.Fatal(err)
	}

	command := flagset.Arg(0)
	if command == "" {
		command = relay.Mod.Name
	}
	mod, err := subcmd.Parse(command, modules)
	if err != nil {
		log.Fatal(err)
	}
	if mod.Name == "version" {
		fmt.Printf("helmet version=%s\n", BuildVersion)
		return
	}

	if subcmd.SdNotify("start") {
		// under systemd assume journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	} else {
		log.SetFlags(log2.LStdFlags)
	}
	if !*flagDebug {
		log.SetLevel(log2.LInfo)
	}
	log.Debugf("hello command=%s", mod.Name)

	ctx, g := state.NewContext(log)
	g.BuildVersion = BuildVersion
	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigch
		log.Infof("received signal=%v, stopping", sig)
		subcmd.SdNotify(daemon.SdNotifyStopping)
		g.Stop()
	}()

	if err := mod.Main(ctx, config); err != nil {
		g.Fatal(err)
	}
}
