package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/clearmeet/conference-client/pkg/config"
	"github.com/clearmeet/conference-client/pkg/logger"
	"github.com/clearmeet/conference-client/pkg/rtc"
	"github.com/clearmeet/conference-client/pkg/rtc/types"
)

func main() {
	app := &cli.App{
		Name:  "confclient",
		Usage: "conference media client engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to config file",
				EnvVars: []string{"CONFCLIENT_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "endpoint-id",
				Usage: "local endpoint identifier",
				Value: "local",
			},
			&cli.StringFlag{
				Name:  "bridge-ws",
				Usage: "relay control websocket url",
			},
		},
		Action: runClient,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runClient(c *cli.Context) error {
	conf, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}

	if conf.Development {
		logger.InitDevelopment(conf.Logging.Level)
	} else {
		logger.InitProduction(conf.Logging.Level)
	}
	log := logger.GetLogger()

	registry := rtc.NewRegistry()
	coordinator := rtc.NewSessionCoordinator(rtc.CoordinatorParams{
		Conf:                  conf,
		LocalEndpointID:       c.String("endpoint-id"),
		DirectSessionEligible: conf.P2P.Enabled,
		Signaling:             &loggingSignaling{log: log},
		Logger:                log,
	})
	registry.Register("default", coordinator)
	defer registry.Unregister("default")

	if err = coordinator.ConnectToRelay(c.String("bridge-ws")); err != nil {
		return err
	}
	log.Infow("client started", "endpoint", c.String("endpoint-id"))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan

	log.Infow("exit requested, leaving conference")
	coordinator.Leave()
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return config.NewConfig(string(content))
}

// loggingSignaling stands in for the conference signaling transport when
// the engine runs outside a real deployment.
type loggingSignaling struct {
	log logger.Logger
}

func (s *loggingSignaling) SendStanza(remoteEndpointID string, stanza *types.Stanza) error {
	s.log.Infow("stanza out", "to", remoteEndpointID, "kind", stanza.Kind.String(),
		"session", stanza.SessionID)
	return nil
}
