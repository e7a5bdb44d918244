// Package fastz controls the fast focus actuator and Pockels cell driver
// used to hop between imaging planes.
//
// The controller speaks a SCPI style line protocol over TCP or RS-232:
//
//	FOCus:POSition <z>       move the focus, z in um
//	FOCus:POSition?          query the focus
//	POCKels:LEVel <v>        set the Pockels cell drive, 0..1
//	POCKels:LEVel?           query the Pockels drive
//	*IDN?                    identification
//	SYSTem:ERRor?            pop the error queue, "+0,No error" when empty
package fastz

import (
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"

	"github.com/nasa-jpl/scanscope/comm"
	"github.com/nasa-jpl/scanscope/config"
	"github.com/nasa-jpl/scanscope/scpi"
)

// ErrInvalidArgument is wrapped by errors for out of range planes
var ErrInvalidArgument = errors.New("invalid argument")

func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        115200,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: time.Second,
	}
}

// Stage is a focus and Pockels controller holding a table of planes
type Stage struct {
	s scpi.SCPI

	mu      sync.Mutex
	planes  []config.Plane
	current int

	// Settle is slept after each move before SetPlane returns
	Settle time.Duration
}

// New creates a stage at addr.  If serial is true addr is a serial port,
// otherwise a host:port.
func New(addr string, serial bool, planes []config.Plane) *Stage {
	var maker comm.CreationFunc
	if serial {
		maker = comm.SerialConnMaker(makeSerConf(addr))
	} else {
		maker = comm.BackingOffTCPConnMaker(addr, time.Second)
	}
	pool := comm.NewPool(1, time.Minute, maker)
	return &Stage{
		s:       scpi.SCPI{Pool: pool, Handshaking: true},
		planes:  append([]config.Plane(nil), planes...),
		current: -1,
	}
}

// Close releases the connection to the controller
func (s *Stage) Close() {
	s.s.Pool.Close()
}

// Identification returns the identity string of the controller
func (s *Stage) Identification() (string, error) {
	raw := s.s
	raw.Handshaking = false
	return raw.ReadString("*IDN?")
}

// SetPlanes replaces the plane table
func (s *Stage) SetPlanes(planes []config.Plane) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.planes = append([]config.Plane(nil), planes...)
	s.current = -1
}

// NumPlanes returns the length of the plane table
func (s *Stage) NumPlanes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.planes)
}

// Plane returns the index of the last plane moved to, -1 before the first move
func (s *Stage) Plane() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// SetPlane moves focus and Pockels drive to entry index of the plane table
func (s *Stage) SetPlane(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.planes) {
		return errors.Wrapf(ErrInvalidArgument, "plane %d outside [0, %d)", index, len(s.planes))
	}
	p := s.planes[index]
	err := s.s.Write(
		"FOCus:POSition", strconv.FormatFloat(p.Z, 'G', -1, 64)+";:POCKels:LEVel",
		strconv.FormatFloat(p.Pockels, 'G', -1, 64))
	if err != nil {
		return errors.Wrapf(err, "moving to plane %d", index)
	}
	s.current = index
	if s.Settle > 0 {
		time.Sleep(s.Settle)
	}
	return nil
}

// Position returns the focus position in um
func (s *Stage) Position() (float64, error) {
	return s.s.ReadFloat("FOCus:POSition?")
}

// Pockels returns the Pockels cell drive level
func (s *Stage) Pockels() (float64, error) {
	return s.s.ReadFloat("POCKels:LEVel?")
}

// Raw sends a command without handshaking and returns the reply of a query
func (s *Stage) Raw(cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s.Raw(cmd)
}

// Errors drains the controller's error queue
func (s *Stage) Errors() []error {
	return s.s.AllErrors()
}
