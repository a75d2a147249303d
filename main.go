package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	huddle "github.com/putto11262002/huddle/app"
)

func main() {
	envFile := flag.String("env", ".env", "dotenv file loaded before the environment")
	configDir := flag.String("config", ".", "directory containing config.yaml")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer stop()

	loader := &huddle.EnvConfigLoader{Files: []string{*envFile}, Paths: []string{*configDir}}
	config, err := loader.Load()
	if err != nil {
		failed("failed to load config: %v\n", err)
	}

	app, err := huddle.New(ctx, config)
	if err != nil {
		failed("%v\n", err)
	}

	if err := app.Start(); err != nil {
		failed("app exit: %v\n", err)
	}
}

func failed(s string, args ...any) {
	fmt.Fprintf(os.Stderr, s, args...)
	os.Exit(1)
}
