package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nasa-jpl/scanscope/config"
	"github.com/nasa-jpl/scanscope/imgrec"
)

func testConfig() Config {
	c := DefaultConfig()
	c.Scan.XPixels, c.Scan.YPixels = 8, 8
	c.Scan.ChunkPixels = 16
	c.Scan.Mode = "single"
	c.FastZ.Addr = "sim"
	c.Scan.Planes = []config.Plane{{Z: 0, Pockels: 0.1}, {Z: 5, Pockels: 0.2}}
	return c
}

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Scan.Validate(); err != nil {
		t.Error(err)
	}
}

func TestBuildMux(t *testing.T) {
	c := testConfig()
	hw, err := SetupHardware(c)
	if err != nil {
		t.Fatal(err)
	}
	defer hw.Close()
	rec := &imgrec.Recorder{Root: t.TempDir(), Prefix: "t"}
	sess, err := NewSession(c, hw, rec)
	if err != nil {
		t.Fatal(err)
	}
	mux, _ := BuildMux(c, sess, hw, rec)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/endpoints")
	if err != nil {
		t.Fatal(err)
	}
	graph := map[string][]string{}
	err = json.NewDecoder(resp.Body).Decode(&graph)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if len(graph["/scope"]) == 0 || len(graph["/fastz"]) == 0 {
		t.Fatalf("endpoints %v", graph)
	}

	resp, err = http.Post(srv.URL+"/fastz/plane", "application/json", strings.NewReader(`{"int":1}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("plane move status %d", resp.StatusCode)
	}
	if z, p, _ := hw.focus.State(); z != 5 || p != 0.2 {
		t.Errorf("controller at z %v pockels %v", z, p)
	}

	resp, err = http.Post(srv.URL+"/scope/autowrite/enabled", "application/json", strings.NewReader(`{"bool":true}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if !rec.IsEnabled() {
		t.Error("recorder not enabled through the scope routes")
	}
}

func TestApplyScanFollowsGeometry(t *testing.T) {
	c := testConfig()
	c.FastZ.Addr = ""
	hw, err := SetupHardware(c)
	if err != nil {
		t.Fatal(err)
	}
	rec := &imgrec.Recorder{Root: t.TempDir()}
	sess, err := NewSession(c, hw, rec)
	if err != nil {
		t.Fatal(err)
	}
	scan := c.Scan
	scan.Geometry = "bidirectional"
	scan.Channels = 1
	if err := applyScan(sess, hw, scan); err != nil {
		t.Fatal(err)
	}
	if sess.Config().Geometry != "bidirectional" {
		t.Errorf("geometry %s", sess.Config().Geometry)
	}
	scan.Averages = 0
	if err := applyScan(sess, hw, scan); err == nil {
		t.Error("invalid scan applied")
	}
}

func TestSetupHardwareRejectsUnknown(t *testing.T) {
	c := testConfig()
	c.Digitizer.Type = "ni-6110"
	if _, err := SetupHardware(c); err == nil {
		t.Error("unknown digitizer accepted")
	}
	c = testConfig()
	c.Digitizer.Pattern = "zebra"
	if _, err := SetupHardware(c); err == nil {
		t.Error("unknown pattern accepted")
	}
}
