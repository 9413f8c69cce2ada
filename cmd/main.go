package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"sleepywoodpecker/quadem/internal/config"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is where mkconf writes the default configuration
	ConfigFileName = config.FileName + ".yaml"
)

func root() {
	str := `quadem acquires from a quad electrometer, averages the samples into
batches, computes beam position, and publishes the results.

Usage:
	quadem <command> [config file]

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `quadem is configured with quadem.yaml, searched for in /opt and the working
directory unless a path is given after the command. Every key can be
overridden from the environment as QUADEM_<SECTION>_<KEY>, e.g.
QUADEM_HTTP_ADDR=:9000.

device.type selects the electrometer:
	> soft    values written by software; device.simulate feeds a moving beam
	> serial  binary packets over a serial port (device.port, device.baud)
	> ascii   TetrAMM-style ASCII stream over TCP (device.addr)
	> fpga    NSLS2-style register window in /dev/mem (device.devMem, device.baseAddr)

Batches of acquire.averagingTime / acquire.sampleTime samples are published
to publish.csvFile and, every publish.sampleInterval, as line protocol over
UDP to publish.influxAddr. The HTTP interface on http.addr serves:
	GET  /params, /params/{name}?addr=N, /latest, /status
	PUT  /params/{name}?addr=N  {"value": x}
	POST /acquire, /stop, /trigger, /reset`
	fmt.Println(str)
}

func mkconf() {
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if err := config.WriteYAML(f, config.New()); err != nil {
		log.Fatal(err)
	}
}

func printconf(path string) {
	v, _, err := config.Load(path)
	if err != nil {
		log.Fatal(err)
	}
	if err := config.WriteYAML(os.Stdout, v); err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("quadem version %v\n", Version)
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	path := ""
	if len(args) > 2 {
		path = args[2]
	}
	cmd := strings.ToLower(args[1])
	switch cmd {
	case "run":
		_, cfg, err := config.Load(path)
		if err != nil {
			log.Fatal(err)
		}
		if err := run(cfg); err != nil {
			log.Fatal(err)
		}
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf(path)
	case "version":
		pversion()
	default:
		log.Fatal("unknown command")
	}
}
