package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"floodmesh/commands"
	"floodmesh/config"

	log "github.com/sirupsen/logrus"
)

func setLogLevel(level string) {
	l, err := log.ParseLevel(level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	log.SetLevel(l)
}

func registerGlobalFlags(fset *flag.FlagSet) {
	flag.VisitAll(func(f *flag.Flag) {
		fset.Var(f.Value, f.Name, f.Usage)
	})
}

func checkConfig(cfg string) {
	if cfg == "" {
		log.Fatal("Config file not specified")
	}
}

func loadConfig(path string) *config.Config {
	checkConfig(path)
	cfg, err := config.NewConfigFromFile(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	configFile := flag.String("config", "", "Path to config file")
	logLevel := flag.String("loglevel", "info", "Log level")

	initCmd := flag.NewFlagSet("init", flag.ExitOnError)
	force := initCmd.Bool("force", false, "Overwrite an existing config")
	registerGlobalFlags(initCmd)

	runCmd := flag.NewFlagSet("run", flag.ExitOnError)
	registerGlobalFlags(runCmd)

	publishCmd := flag.NewFlagSet("publish", flag.ExitOnError)
	topic := publishCmd.String("topic", "", "Topic to publish on, defaults to the configured topic")
	wait := publishCmd.Duration("wait", config.DefaultInterval*2, "How long to wait for neighbours before publishing")
	registerGlobalFlags(publishCmd)

	infoCmd := flag.NewFlagSet("info", flag.ExitOnError)
	registerGlobalFlags(infoCmd)

	if len(os.Args) < 2 {
		log.WithField("args", os.Args).Fatal("Expected a subcommand: init, run, publish or info")
	}
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "init":
		initCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		cfg := config.NewEmptyConfig(*configFile)
		commands.RunInit(ctx, cfg, *force)
	case "run":
		runCmd.Parse(args)
		setLogLevel(*logLevel)
		cfg := loadConfig(*configFile)
		// Optional multiaddr of a node to connect to right away
		commands.RunServe(ctx, cfg, runCmd.Arg(0))
	case "publish":
		publishCmd.Parse(args)
		setLogLevel(*logLevel)
		cfg := loadConfig(*configFile)
		commands.RunPublish(ctx, cfg, *topic, *wait, publishCmd.Args())
	case "info":
		infoCmd.Parse(args)
		setLogLevel(*logLevel)
		cfg := loadConfig(*configFile)
		commands.RunInfo(ctx, cfg)
	default:
		log.Fatalf("Invalid subcommand '%s'", os.Args[1])
	}
}
