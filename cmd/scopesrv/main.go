package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/scanscope/acquire"
	"github.com/nasa-jpl/scanscope/imgrec"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "scopesrv.yml"
	k              = koanf.New(".")
)

// loadInto loads the defaults and then the config file into ko
func loadInto(ko *koanf.Koanf) error {
	ko.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err := ko.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such") { // file missing, who cares
			return err
		}
	}
	return nil
}

func setupconfig() {
	if err := loadInto(k); err != nil {
		log.Fatalf("error loading config: %v", err)
	}
}

func getconf() Config {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	return c
}

func root() {
	str := `scopesrv runs a laser scanning microscope acquisition and exposes it over HTTP.
Images, overlays, histograms and the scan configuration are available to any
client with an HTTP library.

Usage:
	scopesrv <command>

Commands:
	run
	snap
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `scopesrv is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

mkconf writes the default configuration to scopesrv.yml, conf prints the
configuration in effect.

Scan.Geometry is one of:
	sawtooth, bidirectional, resonancehw, resonancesw, planehopper, linestraight
Scan.Mode is one of:
	single, continuous

Digitizer.Type "sim" streams a synthetic specimen, Digitizer.Pattern "ramp" or
"constant".

FastZ.Addr is the address of the focus and Pockels controller used by the
planehopper geometry, "sim" for a simulated controller, or empty for none.

With Watch: true, edits to the Scan section are applied while no scan runs.

Routes are listed at GET /endpoints.  Routes which change the configuration
return 423 while a scan runs.

snap acquires one averaged image with the configuration and records it
under Recording.Root.`
	fmt.Println(str)
}

func mkconf() {
	c := getconf()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := getconf()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("scopesrv version %v\n", Version)
}

// watch applies edits of the config file's scan section to the session
func watch(sess *acquire.Session, hw Hardware) {
	f := file.Provider(ConfigFileName)
	err := f.Watch(func(event interface{}, err error) {
		if err != nil {
			log.Printf("config watch error: %v", err)
			return
		}
		ko := koanf.New(".")
		if err := loadInto(ko); err != nil {
			log.Printf("error reloading config: %v", err)
			return
		}
		c := Config{}
		if err := ko.Unmarshal("", &c); err != nil {
			log.Printf("error reloading config: %v", err)
			return
		}
		if err := applyScan(sess, hw, c.Scan); err != nil {
			log.Printf("config change not applied: %v", err)
			return
		}
		log.Println("scan configuration reloaded")
	})
	if err != nil {
		log.Printf("not watching %s: %v", ConfigFileName, err)
	}
}

func setup(c Config) (Hardware, *acquire.Session, *imgrec.Recorder) {
	hw, err := SetupHardware(c)
	if err != nil {
		log.Fatal(err)
	}
	rec := &imgrec.Recorder{Root: c.Recording.Root, Prefix: c.Recording.Prefix, Enabled: c.Recording.Enabled}
	sess, err := NewSession(c, hw, rec)
	if err != nil {
		log.Fatal(err)
	}
	return hw, sess, rec
}

func run() {
	c := getconf()
	hw, sess, rec := setup(c)
	defer hw.Close()
	if c.Watch {
		watch(sess, hw)
	}
	mux, _ := BuildMux(c, sess, hw, rec)
	log.Println("now listening for requests at ", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, mux))
}

func snap() {
	c := getconf()
	c.Scan.Mode = "single"
	c.Recording.Enabled = true
	hw, sess, rec := setup(c)
	defer hw.Close()

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " scanning",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout(c.Scan))
	defer cancel()
	if err := sess.Start(ctx); err != nil {
		log.Fatal(err)
	}
	spinner.Start()
	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	img, _ := sess.Image(0)
	for {
		select {
		case err := <-done:
			if err == nil && ctx.Err() != nil {
				err = ctx.Err()
			}
			if err != nil {
				spinner.StopFailMessage(err.Error())
				spinner.StopFail()
				os.Exit(1)
			}
			files, _ := rec.Files()
			if len(files) > 0 {
				spinner.StopMessage(files[len(files)-1])
			}
			spinner.Stop()
			return
		case <-tick.C:
			n, target := img.AverageProgress()
			spinner.Message(fmt.Sprintf("frame %d of %d, %.0f%%", n, target, img.PercentComplete()))
		}
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "snap":
		snap()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
