package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/mitchellh/colorstring"
	log "github.com/sirupsen/logrus"

	"github.com/wisp92/peershare/internal/config"
	"github.com/wisp92/peershare/tracker"
	"github.com/wisp92/peershare/userdb"
)

func main() {
	addr := ":7000"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	cfg := config.Default()

	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	store, err := userdb.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer store.Close()

	t := tracker.New(store, cfg)
	running := false

	colorstring.Println("[blue]peershare tracker — commands: start, stop, exit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		switch scanner.Text() {
		case "start":
			if running {
				colorstring.Println("[yellow]already running")
				continue
			}

			if err := t.Start(addr); err != nil {
				colorstring.Printf("[red]start failed: %v\n", err)
				continue
			}

			running = true
			colorstring.Printf("[green]listening on %s\n", t.Addr())

		case "stop":
			if !running {
				colorstring.Println("[yellow]not running")
				continue
			}

			t.Stop()
			running = false
			colorstring.Println("[green]stopped")

		case "exit":
			if running {
				t.Stop()
			}

			os.Exit(0)

		case "":

		default:
			colorstring.Println("[red]unknown command")
		}
	}
}
