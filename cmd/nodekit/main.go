package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/hubertat/servicemaker"

	"github.com/hubertat/nodekit"
)

var (
	Version = "1.0.0"
	Build   string

	config      = flag.String("config", "config.json", "path of the configuration file")
	flagInstall = flag.Bool("install", false, "Install service in os")
	flagDebug   = flag.Bool("debug", false, "debug logging")

	nkService = servicemaker.ServiceMaker{
		User:               "nodekit",
		UserGroups:         []string{"gpio"},
		ServicePath:        "/etc/systemd/system/nodekit.service",
		ServiceDescription: "NodeKit service: connectivity and update agent for smart devices. github.com/hubertat",
		ExecDir:            "/srv/nodekit",
		ExecName:           "nodekit",
	}
)

func main() {
	log.Printf("nodekit %s (%s) started\n", Version, Build)
	flag.Parse()

	if *flagDebug {
		log.SetLevel(log.DebugLevel)
	}

	if *flagInstall {
		err := nkService.InstallService()
		if err != nil {
			panic(err)
		} else {
			log.Info("service installed!")
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		signal.Stop(signals)
		cancel()
	}()

	nk := &nodekit.NodeKit{}
	configFile, err := os.Open(*config)
	if err == nil {
		cBuff, err := io.ReadAll(configFile)
		if err != nil {
			log.Fatalf("failed reading config file: %v", err)
		}

		err = json.Unmarshal(cBuff, nk)
		if err != nil {
			log.Fatalf("failed unmarshalling json config: %v", err)
		}
	} else {
		log.Fatalf("can't find/open config file (%s), will terminate. Reason: \n%v", *config, err)
	}

	log.Info("will init nodekit drivers...")
	err = nk.InitDrivers(ctx)
	defer nk.Close()
	if err != nil {
		panic(err)
	}

	log.Info("will init nodekit agent...")
	err = nk.Init(ctx, Version)
	if err != nil {
		panic(err)
	}

	err = nk.Run(ctx)
	if err != nil && err != context.Canceled {
		log.Fatal("agent loop terminated", "err", err)
	}
}
