// Package scope provides an HTTP interface to a laser scanning acquisition session
package scope

import (
	"bytes"
	"context"
	"encoding/json"
	"image/jpeg"
	"image/png"
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/astrogo/fitsio"
	"github.com/go-chi/chi"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/scanscope/acquire"
	"github.com/nasa-jpl/scanscope/config"
	"github.com/nasa-jpl/scanscope/generichttp"
	"github.com/nasa-jpl/scanscope/histogram"
	"github.com/nasa-jpl/scanscope/imgrec"
	"github.com/nasa-jpl/scanscope/overlay"
	"github.com/nasa-jpl/scanscope/pixelmap"
	"github.com/nasa-jpl/scanscope/scanimage"
	"github.com/nasa-jpl/scanscope/server/middleware/locker"
	"github.com/nasa-jpl/scanscope/waveform"
)

// AreaStatus is the progress of one scan area
type AreaStatus struct {
	Frame          int64               `json:"frame"`
	Percent        float64             `json:"percent"`
	CompleteFrame  bool                `json:"completeFrame"`
	CompleteAvg    bool                `json:"completeAvg"`
	AveragesDone   int                 `json:"averagesDone"`
	AveragesTarget int                 `json:"averagesTarget"`
	Diagnostics    acquire.Diagnostics `json:"diagnostics"`
	Latency        acquire.Stats       `json:"latency"`
}

// Status is the state of the scope
type Status struct {
	Running  bool         `json:"running"`
	Geometry string       `json:"geometry"`
	Areas    []AreaStatus `json:"areas"`
}

// HistogramReply is the JSON form of one channel's histogram
type HistogramReply struct {
	Bins    []uint32 `json:"bins"`
	BinSize int      `json:"binSize"`
	First   int      `json:"first"`
	Last    int      `json:"last"`
	Max     uint32   `json:"max"`
	Mean    float64  `json:"mean"`
	Std     float64  `json:"std"`
}

// HTTPScope wraps a session in an HTTP interface.  Routes which change the
// configuration are refused with 423 while a scan runs.
type HTTPScope struct {
	sess *acquire.Session
	lock *locker.Locker

	mu    sync.Mutex
	props []overlay.Props

	// DAC receives waveforms on POST /waveform/upload.  May be nil.
	DAC waveform.DAC

	// DACChannels maps waveform tracks to DAC channels
	DACChannels []int

	// RouteTable holds routes always served
	RouteTable generichttp.RouteTable

	// Protected holds routes refused while locked
	Protected generichttp.RouteTable
}

// NewHTTPScope creates the HTTP interface to a session
func NewHTTPScope(s *acquire.Session) *HTTPScope {
	h := &HTTPScope{
		sess:        s,
		lock:        locker.New(),
		DACChannels: []int{0, 1, 2, 3},
	}
	h.props = defaultProps(s.Config().Channels)
	rt := generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/image"}:          h.Image,
		{Method: http.MethodGet, Path: "/overlay"}:        h.Overlay,
		{Method: http.MethodGet, Path: "/overlay/props"}:  h.GetProps,
		{Method: http.MethodPost, Path: "/overlay/props"}: h.SetProps,
		{Method: http.MethodGet, Path: "/histogram"}:      h.Histogram,
		{Method: http.MethodGet, Path: "/status"}:         h.Status,
		{Method: http.MethodPost, Path: "/start"}:         h.Start,
		{Method: http.MethodPost, Path: "/stop"}:          h.Stop,
		{Method: http.MethodGet, Path: "/config"}:         h.GetConfig,
		{Method: http.MethodGet, Path: "/waveform"}:       h.Waveform,
		{Method: http.MethodGet, Path: "/running"}: generichttp.GetBool(func() (bool, error) {
			return s.Running(), nil
		}),
		{Method: http.MethodGet, Path: "/averages"}: generichttp.GetInt(func() (int, error) {
			return s.Config().Averages, nil
		}),
		{Method: http.MethodGet, Path: "/geometry"}: generichttp.GetString(func() (string, error) {
			return s.Config().Geometry, nil
		}),
	}
	h.RouteTable = rt
	h.Protected = generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/config"}: h.SetConfig,
		{Method: http.MethodPost, Path: "/averages"}: generichttp.SetInt(func(n int) error {
			c := s.Config()
			c.Averages = n
			return h.reconfigure(c)
		}),
		{Method: http.MethodPost, Path: "/geometry"}: generichttp.SetString(func(g string) error {
			c := s.Config()
			c.Geometry = g
			return h.reconfigure(c)
		}),
		{Method: http.MethodPost, Path: "/waveform/upload"}: h.UploadWaveform,
	}
	locker.Inject(h, h.lock)
	return h
}

func defaultProps(channels int) []overlay.Props {
	colors := []overlay.Color{overlay.Green, overlay.Magenta, overlay.Yellow, overlay.Cyan}
	p := make([]overlay.Props, channels)
	for i := range p {
		p[i] = overlay.Props{Color: colors[i%len(colors)], Upper: 65535}
	}
	return p
}

// RT satisfies generichttp.HTTPer
func (h *HTTPScope) RT() generichttp.RouteTable { return h.RouteTable }

// Locker returns the lock guarding the protected routes
func (h *HTTPScope) Locker() *locker.Locker { return h.lock }

// Bind registers every route on r, the protected ones behind the locker
func (h *HTTPScope) Bind(r chi.Router) {
	h.RouteTable.Bind(r)
	r.Group(func(g chi.Router) {
		g.Use(h.lock.Check)
		for mp, fn := range h.Protected {
			g.MethodFunc(mp.Method, mp.Path, fn)
		}
	})
}

func (h *HTTPScope) reconfigure(c config.Scan) error {
	err := h.sess.Reconfigure(c)
	switch {
	case errors.Is(err, acquire.ErrRunning):
		return generichttp.WithStatus(err, http.StatusLocked)
	case errors.Is(err, config.ErrInvalidArgument), errors.Is(err, pixelmap.ErrInvalidArgument):
		return generichttp.WithStatus(err, http.StatusBadRequest)
	case err != nil:
		return err
	}
	h.mu.Lock()
	if len(h.props) != c.Channels {
		h.props = defaultProps(c.Channels)
	}
	h.mu.Unlock()
	return nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(err, "query parameter %s", name)
	}
	return i, nil
}

func (h *HTTPScope) area(r *http.Request) (*scanimage.MultiChannelImage, int, error) {
	a, err := queryInt(r, "area", 0)
	if err != nil {
		return nil, 0, err
	}
	img, err := h.sess.Image(a)
	return img, a, err
}

func (h *HTTPScope) channel(r *http.Request, img *scanimage.MultiChannelImage) (*scanimage.PixelImage, error) {
	c, err := queryInt(r, "channel", 0)
	if err != nil {
		return nil, err
	}
	return img.Channel(c)
}

// Image returns one channel of an area as png or jpg, or every channel as
// a fits cube.  Query parameters: area, channel, fmt, lower, upper.
func (h *HTTPScope) Image(w http.ResponseWriter, r *http.Request) {
	img, area, err := h.area(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	format := r.URL.Query().Get("fmt")
	if format == "" {
		format = "png"
	}
	if format == "fits" {
		chans := make([]*scanimage.PixelImage, img.NumChannels())
		for i := range chans {
			chans[i], _ = img.Channel(i)
		}
		cards := append(Metadata(h.sess.Config()),
			fitsio.Card{Name: "AREA", Value: area, Comment: "scan area"},
			fitsio.Card{Name: "FRAMENUM", Value: int(img.FrameNumber()), Comment: "frame counter of the scan area"})
		var buf bytes.Buffer
		if err := scanimage.WriteFITS(&buf, cards, chans...); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hdr := w.Header()
		hdr.Set("Content-Type", "image/fits")
		hdr.Set("Content-Disposition", "attachment; filename=image.fits")
		w.WriteHeader(http.StatusOK)
		w.Write(buf.Bytes())
		return
	}
	ch, err := h.channel(r, img)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch format {
	case "png":
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		png.Encode(w, scanimage.Gray16(ch))
	case "jpg":
		lower, err := queryInt(r, "lower", 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		upper, err := queryInt(r, "upper", 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.WriteHeader(http.StatusOK)
		jpeg.Encode(w, scanimage.Gray8(ch, uint16(lower), uint16(upper)), nil)
	default:
		http.Error(w, "fmt must be a member of {png, jpg, fits}", http.StatusBadRequest)
	}
}

// Overlay returns the color composite of an area as a png
func (h *HTTPScope) Overlay(w http.ResponseWriter, r *http.Request) {
	img, _, err := h.area(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	props := append([]overlay.Props(nil), h.props...)
	h.mu.Unlock()
	compose := overlay.Compose
	if h.sess.Layout().Geometry.Resonance() {
		compose = overlay.ComposeResonance
	}
	o, err := compose(img, props)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	png.Encode(w, o.RGBA())
}

// propsJSON is the wire form of overlay.Props, with the color by name
type propsJSON struct {
	Color string `json:"color"`
	Lower uint16 `json:"lower"`
	Upper uint16 `json:"upper"`
}

// GetProps returns the color and contrast of every channel
func (h *HTTPScope) GetProps(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	out := make([]propsJSON, len(h.props))
	for i, p := range h.props {
		out[i] = propsJSON{Color: p.Color.String(), Lower: p.Lower, Upper: p.Upper}
	}
	h.mu.Unlock()
	generichttp.Respond(w, out)
}

// SetProps replaces the color and contrast of every channel
func (h *HTTPScope) SetProps(w http.ResponseWriter, r *http.Request) {
	var in []propsJSON
	err := json.NewDecoder(r.Body).Decode(&in)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(in) != h.sess.Config().Channels {
		http.Error(w, "one entry per channel required", http.StatusBadRequest)
		return
	}
	props := make([]overlay.Props, len(in))
	for i, p := range in {
		c, err := overlay.ParseColor(p.Color)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		props[i] = overlay.Props{Color: c, Lower: p.Lower, Upper: p.Upper}
	}
	h.mu.Lock()
	h.props = props
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// Histogram returns the histogram of one channel.  Query parameters:
// area, channel, bins (default 256), log (default false).
func (h *HTTPScope) Histogram(w http.ResponseWriter, r *http.Request) {
	img, _, err := h.area(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ch, err := h.channel(r, img)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	bins, err := queryInt(r, "bins", 256)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	useLog, _ := strconv.ParseBool(r.URL.Query().Get("log"))
	hist, err := histogram.New(65535, bins)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	hist.Calculate(ch, useLog)
	reply := HistogramReply{
		First: hist.FirstNonZeroBinPosition(),
		Last:  hist.LastNonZeroBinPosition(),
		Max:   hist.MaxCount(),
	}
	reply.Mean, reply.Std = histogram.Moments(ch)
	v := hist.View()
	reply.Bins = append([]uint32(nil), v.Bins()...)
	reply.BinSize = v.BinSize()
	v.Release()
	generichttp.Respond(w, reply)
}

// Status returns the progress of every area
func (h *HTTPScope) Status(w http.ResponseWriter, r *http.Request) {
	diag := h.sess.Diagnostics()
	stats := h.sess.Stats()
	st := Status{
		Running:  h.sess.Running(),
		Geometry: h.sess.Config().Geometry,
		Areas:    make([]AreaStatus, len(diag)),
	}
	for a := range st.Areas {
		img, err := h.sess.Image(a)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		done, target := img.AverageProgress()
		st.Areas[a] = AreaStatus{
			Frame:          img.FrameNumber(),
			Percent:        img.PercentComplete(),
			CompleteFrame:  img.CompleteFrame(),
			CompleteAvg:    img.CompleteAvg(),
			AveragesDone:   done,
			AveragesTarget: target,
			Diagnostics:    diag[a],
			Latency:        stats[a],
		}
	}
	generichttp.Respond(w, st)
}

// Start begins scanning and locks the protected routes until the scan ends
func (h *HTTPScope) Start(w http.ResponseWriter, r *http.Request) {
	err := h.sess.Start(context.Background())
	if errors.Is(err, acquire.ErrRunning) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.lock.Lock()
	go func() {
		if err := h.sess.Wait(); err != nil {
			log.Printf("scan ended with error: %v", err)
		}
		h.lock.Unlock()
	}()
	w.WriteHeader(http.StatusOK)
}

// Stop ends scanning
func (h *HTTPScope) Stop(w http.ResponseWriter, r *http.Request) {
	err := h.sess.Stop()
	if errors.Is(err, acquire.ErrNotRunning) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.lock.Unlock()
	w.WriteHeader(http.StatusOK)
}

// GetConfig returns the active configuration as JSON
func (h *HTTPScope) GetConfig(w http.ResponseWriter, r *http.Request) {
	generichttp.Respond(w, h.sess.Config())
}

// SetConfig replaces the configuration.  Fields missing from the body keep
// their current values.
func (h *HTTPScope) SetConfig(w http.ResponseWriter, r *http.Request) {
	c := h.sess.Config()
	err := json.NewDecoder(r.Body).Decode(&c)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.reconfigure(c); err != nil {
		http.Error(w, err.Error(), generichttp.StatusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPScope) generate() (waveform.Waveform, error) {
	return waveform.Generate(h.sess.Layout(), h.sess.Config())
}

// Waveform returns the scanner waveform of one frame as CSV
func (h *HTTPScope) Waveform(w http.ResponseWriter, r *http.Request) {
	wf, err := h.generate()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	chans := h.DACChannels[:len(wf.Columns())]
	w.Header().Set("Content-Type", "text/csv")
	w.WriteHeader(http.StatusOK)
	if err := waveform.WriteCSV(w, chans, wf); err != nil {
		log.Printf("error writing waveform csv %q", err)
	}
}

// UploadWaveform loads the scanner waveform of one frame onto the DAC
func (h *HTTPScope) UploadWaveform(w http.ResponseWriter, r *http.Request) {
	if h.DAC == nil {
		http.Error(w, "no waveform DAC configured", http.StatusNotFound)
		return
	}
	wf, err := h.generate()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := waveform.Upload(h.DAC, h.DACChannels[:len(wf.Columns())], wf); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Metadata returns FITS header cards describing a configuration
func Metadata(c config.Scan) []fitsio.Card {
	return []fitsio.Card{
		{Name: "GEOMETRY", Value: c.Geometry, Comment: "scan pattern"},
		{Name: "ZOOM", Value: c.Zoom, Comment: "scan amplitude divisor"},
		{Name: "PIXTIME", Value: c.PixelTime, Comment: "pixel dwell time, us"},
		{Name: "AVERAGES", Value: c.Averages, Comment: "frames per averaged image"},
		{Name: "OVERSAMP", Value: c.Oversampling, Comment: "hardware samples per pixel"},
	}
}

// RecordHook returns a frame callback which records every completed
// average with rec while rec is enabled
func RecordHook(rec *imgrec.Recorder, cfg func() config.Scan) func(acquire.Frame) {
	return func(f acquire.Frame) {
		if !f.AverageComplete || !rec.IsEnabled() {
			return
		}
		cards := append(Metadata(cfg()), fitsio.Card{Name: "AREA", Value: f.Area, Comment: "scan area"})
		fn, err := rec.Record(f.Image, cards)
		if err != nil {
			log.Printf("error recording frame %d of area %d: %v", f.Number, f.Area, err)
			return
		}
		log.Printf("recorded %s", fn)
	}
}

// ensure the scope can host injected routes
var _ generichttp.HTTPer = (*HTTPScope)(nil)
