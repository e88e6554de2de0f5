// Ctunnel CLI entry point.
//
// A controller endpoint accepts local TCP connections and multiplexes them as
// sessions over one link to a controlled endpoint, which dials the requested
// target for each session. The link is raw TCP, a WebSocket, or a WebRTC
// DataChannel signaled over a WebSocket.
//
// Settings come from built-in defaults, an optional TOML file (-config) and
// finally CLI flags. Without a role the tool falls back to interactive prompts.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/ctunnel/internal/app"
	"github.com/1ureka/ctunnel/internal/config"
	"github.com/1ureka/ctunnel/internal/protocol"
	"github.com/1ureka/ctunnel/internal/transport"
	"github.com/1ureka/ctunnel/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	configPath := flag.String("config", "", "Path to a TOML config file")
	role := flag.String("role", "", "Role: controller or controlled")
	id := flag.String("id", "", "Endpoint name (up to 10 bytes)")
	link := flag.String("link", "", "Link kind: tcp, ws or webrtc")
	listen := flag.String("listen", "", "Link listen address (controlled) or local service address (controller)")
	connect := flag.String("connect", "", "Controlled endpoint address or URL (controller only)")
	target := flag.String("target", "", "Session destination ip:port (controller only)")
	pin := flag.String("pin", "", "Link access PIN (ws and webrtc)")
	pinned := flag.Bool("pinned", false, "One session at a time over raw Data frames")
	pinnedTarget := flag.String("pinnedTarget", "", "Destination for pinned sessions (controlled only)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Flags win over the file, but only the ones actually given.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "role":
			cfg.Role = config.Role(*role)
		case "id":
			cfg.ID = *id
		case "link":
			cfg.Link = config.LinkKind(*link)
		case "listen":
			cfg.Listen = *listen
		case "connect":
			cfg.Connect = *connect
		case "target":
			cfg.Target = *target
		case "pin":
			cfg.PIN = *pin
		case "pinned":
			cfg.Pinned = *pinned
		case "pinnedTarget":
			cfg.PinnedTarget = *pinnedTarget
		case "debug":
			cfg.Debug = *debugMode
		}
	})

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Ctunnel v%s", version))
	pterm.Println()

	if cfg.Role == "" {
		askConfig(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.StartStatsReporter(ctx, cfg.StatsInterval)

	var err error
	switch cfg.Role {
	case config.RoleController:
		err = app.RunController(ctx, cfg)
	case config.RoleControlled:
		err = app.RunControlled(ctx, cfg)
	}
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("tunnel closed")
}

// ---------------------------------------------------------------------------
// Interactive prompts
// ---------------------------------------------------------------------------

// askConfig fills in the settings a user must choose when no -role flag or
// config file provides them.
func askConfig(cfg *config.Config) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Controlled - Let a controller reach targets from here", "Controller - Forward a local port through a controlled endpoint"}).
		WithDefaultText("Select your role").
		Show()
	pterm.Println()

	link, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{string(config.LinkTCP), string(config.LinkWS), string(config.LinkWebRTC)}).
		WithDefaultText("Select the link kind").
		Show()
	pterm.Println()
	cfg.Link = config.LinkKind(link)

	if strings.HasPrefix(role, "Controlled") {
		cfg.Role = config.RoleControlled
		cfg.Listen = askText("Link listen address (e.g. :9000)", func(s string) error {
			if s == "" {
				return fmt.Errorf("address must not be empty")
			}
			return nil
		})
		return
	}

	cfg.Role = config.RoleController
	if cfg.Link == config.LinkTCP {
		cfg.Connect = askText("Controlled endpoint address (host:port)", func(s string) error {
			if !strings.Contains(s, ":") {
				return fmt.Errorf("expected host:port")
			}
			return nil
		})
	} else {
		cfg.Connect = askText("Controlled endpoint URL (e.g. wss://***.asse.devtunnels.ms/ws)", func(s string) error {
			_, err := transport.NormalizeWSURL(s)
			return err
		})
		cfg.PIN = askText("PIN shown by the controlled endpoint", func(s string) error {
			if s == "" {
				return fmt.Errorf("PIN must not be empty")
			}
			return nil
		})
	}
	cfg.Target = askText("Session target (ip:port, e.g. 127.0.0.1:22)", func(s string) error {
		_, err := protocol.ParseTargetAddr(s)
		return err
	})
	cfg.Listen = askText("Local service address (e.g. 127.0.0.1:2222)", func(s string) error {
		if !strings.Contains(s, ":") {
			return fmt.Errorf("expected host:port")
		}
		return nil
	})
}

// askText prompts until check accepts the trimmed input.
func askText(prompt string, check func(string) error) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		value := strings.TrimSpace(raw)
		err := check(value)
		if err == nil {
			pterm.Println()
			return value
		}

		pterm.Println()
		util.LogWarning("invalid input: %v", err)
	}
}
