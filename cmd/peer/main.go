package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/colorstring"
	log "github.com/sirupsen/logrus"

	"github.com/wisp92/peershare/internal/config"
	"github.com/wisp92/peershare/peer"
	"github.com/wisp92/peershare/wire"
)

func main() {
	cfg := config.Default()

	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	p := peer.New(cfg)
	defer p.Close()

	colorstring.Println("[blue]peershare peer — commands: set tracker <addr>, set shared_directory <dir>, register <user> <pass>, login <user> <pass>, logout, download <file>, status, exit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch {
		case fields[0] == "set" && len(fields) == 3 && fields[1] == "tracker":
			report(p.SetTracker(fields[2]))

		case fields[0] == "set" && len(fields) == 3 && fields[1] == "shared_directory":
			report(p.SetSharedDirectory(fields[2]))

		case fields[0] == "register" && len(fields) == 3:
			report(p.Register(wire.Credentials{Username: fields[1], Password: fields[2]}))

		case fields[0] == "login" && len(fields) == 3:
			report(p.Login(wire.Credentials{Username: fields[1], Password: fields[2]}))

		case fields[0] == "logout" && len(fields) == 1:
			report(p.Logout())

		case fields[0] == "download" && len(fields) == 2:
			report(p.AddDownload(fields[1]) != nil)

		case fields[0] == "status" && len(fields) == 1:
			for _, record := range p.Downloads() {
				colorstring.Printf("[cyan]%s[reset]\tfrom %q\tdownload=%s ack=%s\n",
					record.Filename, record.Provider.Username, record.Download, record.Ack)
			}

		case fields[0] == "exit":
			if p.SessionID() != 0 {
				p.Logout()
			}

			os.Exit(0)

		default:
			colorstring.Println("[red]unknown command")
		}
	}
}

func report(ok bool) {
	if ok {
		colorstring.Println("[green]ok")
	} else {
		colorstring.Println("[red]failed")
	}
}
