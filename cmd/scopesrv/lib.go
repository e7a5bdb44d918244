package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/scanscope/acquire"
	"github.com/nasa-jpl/scanscope/config"
	"github.com/nasa-jpl/scanscope/fastz"
	"github.com/nasa-jpl/scanscope/generichttp"
	"github.com/nasa-jpl/scanscope/generichttp/ascii"
	"github.com/nasa-jpl/scanscope/generichttp/motion"
	"github.com/nasa-jpl/scanscope/generichttp/scope"
	"github.com/nasa-jpl/scanscope/imgrec"
	"github.com/nasa-jpl/scanscope/server/middleware/locker"
	"github.com/nasa-jpl/scanscope/sim"
	"github.com/nasa-jpl/scanscope/util"
	"github.com/nasa-jpl/scanscope/waveform"
)

// Digitizer selects the sample source
type Digitizer struct {
	// Type is the kind of digitizer, "sim" is the only built in kind
	Type string `koanf:"Type" yaml:"Type"`

	// Pattern is the specimen of a sim digitizer, "ramp" or "constant"
	Pattern string `koanf:"Pattern" yaml:"Pattern"`

	// Value is the sample value of the constant pattern
	Value int `koanf:"Value" yaml:"Value"`

	// Latency is slept on every simulated read, in seconds
	Latency float64 `koanf:"Latency" yaml:"Latency"`
}

// FastZ holds the connection to the plane hopping stage.  An empty Addr
// disables the stage; "sim" starts a simulated controller.
type FastZ struct {
	// Addr holds the network or filesystem address of the remote device,
	// e.g. 192.168.100.123:2006 for a device connected to port 6
	// on a digi portserver, or /dev/ttyS4 for an RS232 device on a serial cable
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Serial determines if the connection is serial/RS232 (True) or TCP (False)
	Serial bool `koanf:"Serial" yaml:"Serial"`

	// Endpoint is the path the stage's routes are served under
	Endpoint string `koanf:"Endpoint" yaml:"Endpoint"`

	// Settle is the time allowed after each plane change, in seconds
	Settle float64 `koanf:"Settle" yaml:"Settle"`
}

// Recording configures the FITS recorder
type Recording struct {
	Root    string `koanf:"Root" yaml:"Root"`
	Prefix  string `koanf:"Prefix" yaml:"Prefix"`
	Enabled bool   `koanf:"Enabled" yaml:"Enabled"`
}

// Config is the configuration of scopesrv
type Config struct {
	// Addr is the address to listen at
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Endpoint is the path the scope's routes are served under
	Endpoint string `koanf:"Endpoint" yaml:"Endpoint"`

	// Watch reloads the scan section of the config file when it changes
	Watch bool `koanf:"Watch" yaml:"Watch"`

	Digitizer Digitizer   `koanf:"Digitizer" yaml:"Digitizer"`
	FastZ     FastZ       `koanf:"FastZ" yaml:"FastZ"`
	Recording Recording   `koanf:"Recording" yaml:"Recording"`
	Scan      config.Scan `koanf:"Scan" yaml:"Scan"`
}

// DefaultConfig is the configuration used for keys missing from the file
func DefaultConfig() Config {
	return Config{
		Addr:      ":8000",
		Endpoint:  "/scope",
		Digitizer: Digitizer{Type: "sim", Pattern: "ramp"},
		FastZ:     FastZ{Endpoint: "/fastz"},
		Recording: Recording{Root: "scans", Prefix: "scan"},
		Scan:      config.Default(),
	}
}

// Hardware is the set of devices a session runs on
type Hardware struct {
	Input acquire.Input
	Stage *fastz.Stage
	DAC   waveform.DAC

	// focus is the simulated focus controller, if one was started
	focus *sim.FocusController
}

// Close releases the stage and stops any simulated controller
func (h Hardware) Close() {
	if h.Stage != nil {
		h.Stage.Close()
	}
	if h.focus != nil {
		h.focus.Close()
	}
}

// SetupHardware opens the digitizer and stage named by c
func SetupHardware(c Config) (Hardware, error) {
	var hw Hardware
	switch strings.ToLower(c.Digitizer.Type) {
	case "sim", "mock":
		var pat sim.Pattern
		switch strings.ToLower(c.Digitizer.Pattern) {
		case "", "ramp":
			pat = sim.Ramp
		case "constant":
			pat = sim.Constant(uint16(util.Clamp(float64(c.Digitizer.Value), 0, 65535)))
		default:
			return hw, errors.Errorf("sim pattern %q not understood", c.Digitizer.Pattern)
		}
		dev, err := sim.NewDevice(c.Scan, pat)
		if err != nil {
			return hw, err
		}
		dev.Latency = util.SecsToDuration(c.Digitizer.Latency)
		hw.Input = dev
		hw.DAC = sim.NewDAC(4)
	default:
		return hw, errors.Errorf("digitizer type %q not understood", c.Digitizer.Type)
	}

	addr := c.FastZ.Addr
	if addr == "" {
		return hw, nil
	}
	if strings.ToLower(addr) == "sim" {
		ctl, err := sim.NewFocusController("127.0.0.1:0")
		if err != nil {
			return hw, err
		}
		hw.focus = ctl
		addr = ctl.Addr()
	}
	hw.Stage = fastz.New(addr, c.FastZ.Serial, c.Scan.Planes)
	hw.Stage.Settle = util.SecsToDuration(c.FastZ.Settle)
	return hw, nil
}

// NewSession creates the acquisition session of c on hw.  Frames which
// complete an average are recorded by rec while it is enabled.
func NewSession(c Config, hw Hardware, rec *imgrec.Recorder) (*acquire.Session, error) {
	opts := acquire.Options{Config: c.Scan}
	if hw.Stage != nil {
		opts.Planes = hw.Stage
	}
	var sess *acquire.Session
	opts.OnFrame = append(opts.OnFrame, scope.RecordHook(rec, func() config.Scan { return sess.Config() }))
	sess, err := acquire.NewSession(hw.Input, opts)
	return sess, err
}

// BuildMux mounts the scope, and the stage if there is one, on a chi router.
// The router serves a special route, /endpoints, which returns a map of
// mount points to their routes as JSON.
func BuildMux(c Config, sess *acquire.Session, hw Hardware, rec *imgrec.Recorder) (chi.Router, *scope.HTTPScope) {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}

	hs := scope.NewHTTPScope(sess)
	hs.DAC = hw.DAC
	imgrec.NewHTTPWrapper(rec).Inject(hs)
	stem := generichttp.SubMuxSanitize(c.Endpoint)
	r := chi.NewRouter()
	hs.Bind(r)
	root.Mount(stem, r)
	supergraph[stem] = append(hs.RT().Endpoints(), hs.Protected.Endpoints()...)

	if hw.Stage != nil {
		stage := motion.NewHTTPStage(hw.Stage)
		ascii.InjectRawComm(stage, hw.Stage)
		// the stage may not move while the scope is scanning
		locker.Inject(stage, hs.Locker())
		stem := generichttp.SubMuxSanitize(c.FastZ.Endpoint)
		r := chi.NewRouter()
		r.Use(hs.Locker().Check)
		stage.RT().Bind(r)
		root.Mount(stem, r)
		supergraph[stem] = stage.RT().Endpoints()
	}

	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			log.Printf("error encoding endpoints %q", err)
		}
	})
	return root, hs
}

// applyScan reconfigures sess and the stage with a new scan section.  A
// running session is left alone.
func applyScan(sess *acquire.Session, hw Hardware, scan config.Scan) error {
	if err := scan.Validate(); err != nil {
		return err
	}
	if err := sess.Reconfigure(scan); err != nil {
		return err
	}
	if dev, ok := hw.Input.(*sim.Device); ok {
		if err := dev.Reconfigure(scan); err != nil {
			return err
		}
	}
	if hw.Stage != nil {
		hw.Stage.SetPlanes(scan.Planes)
	}
	return nil
}

// waitTimeout is how long snap waits for a single acquisition per frame
func waitTimeout(c config.Scan) time.Duration {
	return time.Duration(c.Averages) * 10 * time.Second
}
