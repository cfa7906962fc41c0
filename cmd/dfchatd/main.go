package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/matheus3301/dfchat/internal/config"
	"github.com/matheus3301/dfchat/internal/daemon"
	"github.com/matheus3301/dfchat/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	quietFlag := flag.Bool("quiet", false, "log to the session log file only")
	flag.Parse()

	cfg, err := config.Resolve(session.ConfigPath(), session.EnvPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	sessionName, err := session.Resolve(*sessionFlag, cfg.DefaultSession)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName: sessionName,
			Config:      cfg,
			Console:     !*quietFlag,
		}),
	)

	app.Run()
}
