// Command liteim runs the Lite.IM wallet bot: the chat transports, the
// deposit notifier and the Messenger webhook.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/m3rciful/liteim/core/buildinfo"
	corecmd "github.com/m3rciful/liteim/core/cmd"
	"github.com/m3rciful/liteim/internal/app"
)

const banner = `
    ╭────────────────────────────╮
    │   ╻  ╻╺┳╸┏━╸ ╻┏┳┓          │
    │   ┃  ┃ ┃ ┣╸  ┃┃┃┃          │
    │   ┗━╸╹ ╹ ┗━╸╹╹╹ ╹          │
    │     litecoin chat wallet   │
    ╰────────────────────────────╯
`

func main() {
	configPath := flag.String("config", "", "path to the YAML config (overrides CONFIG_PATH)")
	version := flag.Bool("version", false, "print the build version and exit")
	flag.Parse()

	if *version {
		fmt.Println("liteim", buildinfo.String())
		return
	}

	color.New(color.FgCyan).Print(banner)
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Version: %s\n\n", buildinfo.String())

	err := corecmd.Run(corecmd.Options{
		ConfigEnvVar:      "CONFIG_PATH",
		DefaultConfigPath: "config.yaml",
		ConfigPath:        *configPath,
		LoadConfig:        app.Load,
		Bootstrap:         app.Bootstrap,
	})
	if err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
