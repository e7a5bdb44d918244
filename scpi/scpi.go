// Package scpi provides primitives for working with devices that
// have SCPI style line interfaces
package scpi

import (
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/scanscope/comm"
)

// DefaultTimeout bounds each write and read of a command
const DefaultTimeout = 5 * time.Second

// ErrDevice is wrapped by errors reported by the device's error queue
var ErrDevice = errors.New("device error")

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	Pool *comm.Pool

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool

	// Timeout bounds each operation, DefaultTimeout if zero
	Timeout time.Duration
}

func (s *SCPI) timeout() time.Duration {
	if s.Timeout == 0 {
		return DefaultTimeout
	}
	return s.Timeout
}

// deviceError converts an error queue entry to an error, nil for "+0" or "0"
func deviceError(entry string) error {
	entry = strings.TrimSpace(entry)
	if strings.HasPrefix(entry, "+0") || strings.HasPrefix(entry, "0") {
		return nil
	}
	return errors.Wrap(ErrDevice, entry)
}

// exchange sends cmds joined by spaces and, if query is true or handshaking
// is on, reads one response line
func (s *SCPI) exchange(query bool, cmds ...string) (string, error) {
	conn, err := s.Pool.Get()
	if err != nil {
		return "", err
	}
	// only communication failures discard the connection
	var commErr error
	defer func() { s.Pool.ReturnWithError(conn, commErr) }()
	term := comm.NewTerminator(comm.NewTimeout(conn, conn, s.timeout()), '\n', '\n')
	if s.Handshaking {
		cmds = append([]string{"*CLS;"}, cmds...)
		cmds = append(cmds, ";:SYSTem:ERRor?")
	}
	if _, commErr = io.WriteString(term, strings.Join(cmds, " ")); commErr != nil {
		return "", commErr
	}
	if !query && !s.Handshaking {
		return "", nil
	}
	msg, commErr := term.ReadMessage()
	if commErr != nil {
		return "", commErr
	}
	resp := string(msg)
	if s.Handshaking {
		// the error entry is the last ;-separated field
		entry := resp
		if i := strings.LastIndexByte(resp, ';'); i >= 0 {
			entry, resp = resp[i+1:], resp[:i]
		} else {
			resp = ""
		}
		return resp, deviceError(entry)
	}
	return resp, nil
}

// Write sends a command to the device.  if s.Handshaking == true,
// it also requests an error response and checks that it is OK
func (s *SCPI) Write(cmds ...string) error {
	_, err := s.exchange(false, cmds...)
	return err
}

// ReadString sends a query to the device and returns the response line
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	return s.exchange(true, cmds...)
}

// ReadFloat sends a query to the device, then parses the response
// as a floating point value
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(resp), 64)
}

// ReadBool sends a query to the device, then parses the response
// as a boolean
func (s *SCPI) ReadBool(cmds ...string) (bool, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(strings.TrimSpace(resp))
}

// ReadInt sends a query to the device, then parses the response
// as an integer
func (s *SCPI) ReadInt(cmds ...string) (int, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(resp))
}

// Raw sends a command without handshaking and returns a response if it
// was a query, else a blank string
func (s *SCPI) Raw(str string) (string, error) {
	raw := *s
	raw.Handshaking = false
	return raw.exchange(strings.Contains(str, "?"), str)
}

// PopError gets a single error from the queue on the device
func (s *SCPI) PopError() error {
	str, err := s.Raw("SYSTem:ERRor?")
	if err != nil {
		return err
	}
	return deviceError(str)
}

// AllErrors drains the error queue of the device.  A communication
// failure ends the drain and is the last element.
func (s *SCPI) AllErrors() []error {
	var errs []error
	for {
		err := s.PopError()
		if err == nil {
			return errs
		}
		errs = append(errs, err)
		if !errors.Is(err, ErrDevice) {
			return errs
		}
	}
}
