package scpi_test

import (
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/scanscope/comm"
	"github.com/nasa-jpl/scanscope/scpi"
	"github.com/nasa-jpl/scanscope/sim"
)

func newSCPI(t *testing.T, handshaking bool) *scpi.SCPI {
	t.Helper()
	ctl, err := sim.NewFocusController("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ctl.Close() })
	pool := comm.NewPool(1, time.Minute, comm.BackingOffTCPConnMaker(ctl.Addr(), time.Second))
	t.Cleanup(pool.Close)
	return &scpi.SCPI{Pool: pool, Handshaking: handshaking, Timeout: time.Second}
}

func TestWriteThenRead(t *testing.T) {
	for _, hs := range []bool{false, true} {
		s := newSCPI(t, hs)
		if err := s.Write("FOC:POS", "42.5"); err != nil {
			t.Fatalf("handshaking %v: %v", hs, err)
		}
		z, err := s.ReadFloat("FOC:POS?")
		if err != nil {
			t.Fatalf("handshaking %v: %v", hs, err)
		}
		if z != 42.5 {
			t.Errorf("handshaking %v: z %v", hs, z)
		}
	}
}

func TestHandshakeSurfacesDeviceError(t *testing.T) {
	s := newSCPI(t, true)
	err := s.Write("BOGUS 1")
	if !errors.Is(err, scpi.ErrDevice) {
		t.Fatalf("expected a device error, got %v", err)
	}
	// the pool connection is kept after a device error
	if s.Pool.Size() != 1 {
		t.Errorf("pool size %d", s.Pool.Size())
	}
}

func TestErrorQueue(t *testing.T) {
	s := newSCPI(t, false)
	if err := s.Write("BOGUS 1;:FOC:POS 9999"); err != nil {
		t.Fatal(err)
	}
	errs := s.AllErrors()
	if len(errs) != 2 {
		t.Fatalf("%d errors: %v", len(errs), errs)
	}
	if s.PopError() != nil {
		t.Error("queue not drained")
	}
	id, err := s.Raw("*IDN?")
	if err != nil || id == "" {
		t.Errorf("id %q err %v", id, err)
	}
}
