package main

import (
	"flag"

	"go.uber.org/fx"

	"github.com/lcarv/commdash/internal/daemon"
)

func main() {
	configFlag := flag.String("config", "", "path to config file (default ~/.commdash/config.toml)")
	listenFlag := flag.String("listen", "", "listen address (overrides config)")
	flag.Parse()

	app := fx.New(
		daemon.Module(daemon.Params{
			ConfigPath: *configFlag,
			ListenAddr: *listenFlag,
		}),
	)

	app.Run()
}
