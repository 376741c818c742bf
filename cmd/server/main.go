package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/parleychat/parley/internal/auth"
	"github.com/parleychat/parley/internal/server"
)

func main() {
	app := cli.NewApp()
	app.Name = "parley"
	app.Usage = "Multi-user line-oriented TCP chat server"
	app.Commands = []cli.Command{
		{
			Name:      "serve",
			ShortName: "s",
			Usage:     "Start the chat server",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "config,c",
					Usage: "Path to TOML configuration file",
				},
				cli.IntFlag{
					Name:  "port,p",
					Usage: "Port to listen on",
				},
				cli.StringFlag{
					Name:  "store",
					Usage: "Path to the credential file",
				},
				cli.IntFlag{
					Name:  "max-clients,m",
					Usage: "Maximum simultaneous clients",
				},
				cli.StringFlag{
					Name:  "http",
					Usage: "Address for the HTTP gateway (metrics, WebSocket); empty disables it",
				},
				cli.BoolFlag{
					Name:  "debug,d",
					Usage: "Enable debug output",
				},
			},
			Action: serve,
		},
		{
			Name:      "hash",
			Usage:     "Derive a credential token for a password, for seeding the credential file by hand",
			ArgsUsage: "<password>",
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "iterations,i",
					Usage: "PBKDF2 iteration count",
					Value: auth.DefaultIterations,
				},
			},
			Action: hashPassword,
		},
		{
			Name:      "checkport",
			Usage:     "Probe whether a TCP port in the registered/dynamic range can be bound",
			ArgsUsage: "<port>",
			Action:    checkPort,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Printf("Error: %s\n", err.Error())
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*server.Config, error) {
	var cfg *server.Config
	if path := c.String("config"); path != "" {
		loaded, err := server.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = server.NewConfig()
	}

	// Flags override the file.
	if c.Int("port") > 0 {
		cfg.Port = c.Int("port")
	}
	if store := c.String("store"); store != "" {
		cfg.CredentialFile = store
	}
	if c.Int("max-clients") > 0 {
		cfg.MaxClients = c.Int("max-clients")
	}
	if addr := c.String("http"); addr != "" {
		cfg.HTTPAddress = addr
	}

	cfg.Sanitize()
	return cfg, nil
}

func serve(c *cli.Context) error {
	logger := log.New()
	if c.Bool("debug") {
		logger.SetLevel(log.DebugLevel)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	logger.Info("Starting Parley chat server...")

	srv := server.New(cfg, logger)
	if err := srv.Start(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	return srv.Shutdown(10 * time.Second)
}

func hashPassword(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one password argument")
	}

	hasher := auth.NewHasher(c.Int("iterations"))
	token, err := hasher.Hash(c.Args().First())
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}

func checkPort(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one port argument")
	}

	var port int
	if _, err := fmt.Sscanf(c.Args().First(), "%d", &port); err != nil {
		return fmt.Errorf("invalid port %q", c.Args().First())
	}

	if server.PortAvailable(port) {
		fmt.Printf("Port %d is available.\n", port)
		return nil
	}
	fmt.Printf("Port %d is not available.\n", port)
	return nil
}
