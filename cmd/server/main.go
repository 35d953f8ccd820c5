// Command roomchat-server runs the multi-room chat relay over TCP, and
// optionally SSH and WebSocket.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/roomchat/pkg/protocol"
	"github.com/aeolun/roomchat/pkg/server"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "~/.roomchat/server.toml", "Path to config file (created with defaults if missing)")
	port := flag.Int("port", 0, "TCP port, overrides the config file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("roomchat-server %s (protocol v%d)\n", version, protocol.ProtocolVersion)
		return
	}

	if err := run(*configPath, *port, *debug); err != nil {
		log.Printf("Server error: %v", err)
		os.Exit(1)
	}
}

func run(configPath string, port int, debug bool) error {
	tomlConfig, err := server.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port > 0 {
		tomlConfig.Server.TCPPort = port
	}

	config, err := tomlConfig.ToServerConfig()
	if err != nil {
		return fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	if err := server.InitLoggers(config.LogDir); err != nil {
		return fmt.Errorf("init loggers: %w", err)
	}

	srv, err := server.NewServer(config, configPath)
	if err != nil {
		return err
	}
	if debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		return err
	}
	log.Printf("roomchat-server %s started", version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var fatal error
	select {
	case sig := <-sigCh:
		log.Printf("Received %s", sig)
	case fatal = <-srv.Err():
		log.Printf("Fatal listener error: %v", fatal)
	}

	if err := srv.Stop(); err != nil && fatal == nil {
		return err
	}
	return fatal
}
