package main

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"runtime"

	"github.com/linkmux/linkmux/internal/admin"
	"github.com/linkmux/linkmux/internal/common"
	"github.com/linkmux/linkmux/internal/config"
	log "github.com/sirupsen/logrus"
)

var version string

type echoParams struct {
	Text string `cbor:"text"`
}

func startAdmin(addr string) *admin.APIRouter {
	router := admin.MakeAPIRouter()
	if addr == "" {
		return router
	}
	go func() {
		log.Errorf("admin api stopped: %v", http.ListenAndServe(addr, router))
	}()
	log.Infof("admin api listening on %v", addr)
	return router
}

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	conf := flag.String("c", "linkmux.json", "config: path to the configuration file (json or toml) or its content")
	mode := flag.String("mode", "responder", "initiator: dial the remote and start a session; responder: listen and accept sessions")
	file := flag.String("f", "", "initiator: file to send over the bulk data service")
	echo := flag.String("echo", "hello", "initiator: text to send in an Echo request")
	askVersion := flag.Bool("v", false, "Print the version number")
	printUsage := flag.Bool("h", false, "Print this message")
	pprofAddr := flag.String("d", "", "debug use: ip:port to be listened by pprof profiler")
	verbosity := flag.String("verbosity", "info", "verbosity level")
	flag.Parse()

	if *askVersion {
		fmt.Printf("linkmux %s", version)
		return
	}
	if *printUsage {
		flag.Usage()
		return
	}

	lvl, err := log.ParseLevel(*verbosity)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)

	if *pprofAddr != "" {
		runtime.SetBlockProfileRate(5)
		go func() {
			log.Info(http.ListenAndServe(*pprofAddr, nil))
		}()
		log.Infof("pprof listening on %v", *pprofAddr)
	}

	raw, err := config.ParseConfig(*conf)
	if err != nil {
		log.Fatalf("Configuration file error: %v", err)
	}
	cfg, err := raw.Process(common.RealWorldState)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	router := startAdmin(cfg.AdminAddr)

	switch *mode {
	case "responder":
		err = respond(cfg, router)
	case "initiator":
		err = initiate(cfg, router, *echo, *file)
	default:
		err = fmt.Errorf("unknown mode %v", *mode)
	}
	if err != nil {
		log.Fatal(err)
	}
}
