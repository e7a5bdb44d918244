// Package imgrec records acquired images to disk as FITS files with
// incrementing names in yyyy-mm-dd subfolders.
package imgrec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/go-chi/chi"
	"github.com/snksoft/crc"

	"github.com/nasa-jpl/scanscope/generichttp"
	"github.com/nasa-jpl/scanscope/scanimage"
	"github.com/nasa-jpl/scanscope/server"
)

var crcTable = crc.NewTable(crc.CRC32)

// Checksum is the CRC-32 of the pixels of imgs, taken over their values
// as big-endian uint16 in channel then row-major order
func Checksum(imgs ...*scanimage.PixelImage) uint32 {
	c := crcTable.InitCrc()
	var b []byte
	for _, img := range imgs {
		g := img.ReadAccess()
		px := g.Pixels()
		if cap(b) < 2*len(px) {
			b = make([]byte, 2*len(px))
		}
		b = b[:2*len(px)]
		for i, v := range px {
			binary.BigEndian.PutUint16(b[2*i:], v)
		}
		g.Release()
		c = crcTable.UpdateCrc(c, b)
	}
	return crcTable.CRC32(c)
}

// Recorder records image sequences with incrementing filenames in yyyy-mm-dd subfolders
type Recorder struct {
	mu sync.Mutex

	// counter is the number of the next file
	counter int

	// Root is the root path
	Root string

	// Prefix is the prefix for the filenames
	Prefix string

	// timeFldr is the subfolder with yyyy-mm-dd format.
	timeFldr string

	// Enabled is a flag unused by this struct that allows consumers to disable its use in their code
	Enabled bool
}

// updateFolder checks the current time and updates the folder as needed
func (r *Recorder) updateFolder() {
	now := time.Now()
	r.timeFldr = fmt.Sprintf("%04d-%02d-%02d", now.Year(), now.Month(), now.Day())
}

// mkDir makes the folder and returns it
func (r *Recorder) mkDir() (string, error) {
	fldr := filepath.Join(r.Root, r.timeFldr)
	err := os.MkdirAll(fldr, 0777)
	return fldr, err
}

// Record writes every channel of img as one FITS cube and returns the
// file name.  The cube carries a DATACRC card of the pixel checksum.
func (r *Recorder) Record(img *scanimage.MultiChannelImage, metadata []fitsio.Card) (string, error) {
	chans := make([]*scanimage.PixelImage, img.NumChannels())
	for i := range chans {
		ch, err := img.Channel(i)
		if err != nil {
			return "", err
		}
		chans[i] = ch
	}
	cards := append([]fitsio.Card{
		{Name: "FRAMENUM", Value: int(img.FrameNumber()), Comment: "frame counter of the scan area"},
		{Name: "DATACRC", Value: int(Checksum(chans...)), Comment: "CRC-32 of pixel values"},
	}, metadata...)

	var buf bytes.Buffer
	if err := scanimage.WriteFITS(&buf, cards, chans...); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateFolder()
	fldr, err := r.mkDir()
	if err != nil {
		return "", err
	}
	r.incr(fldr)
	fn := filepath.Join(fldr, fmt.Sprintf("%s%06d.fits", r.Prefix, r.counter))
	if err := os.WriteFile(fn, buf.Bytes(), 0666); err != nil {
		return "", err
	}
	return fn, nil
}

// incr updates the filename counter by scanning the folder.  If there is
// an error, the counter is not changed.
func (r *Recorder) incr(dn string) {
	files, err := os.ReadDir(dn)
	if err != nil {
		return
	}
	count := -1
	for _, file := range files {
		// skip directories, non-fits, and wrong prefix
		if file.IsDir() {
			continue
		}
		fn := file.Name()
		if !strings.HasSuffix(fn, ".fits") || !strings.HasPrefix(fn, r.Prefix) {
			continue
		}
		bit := strings.TrimSuffix(strings.TrimPrefix(fn, r.Prefix), ".fits")
		n, err := strconv.Atoi(bit)
		if err != nil {
			continue
		}
		if count < n {
			count = n
		}
	}
	r.counter = count + 1
}

// Files lists the recorded files in today's folder, sorted by name
func (r *Recorder) Files() ([]string, error) {
	r.mu.Lock()
	r.updateFolder()
	fldr := filepath.Join(r.Root, r.timeFldr)
	prefix := r.Prefix
	r.mu.Unlock()
	matches, err := filepath.Glob(filepath.Join(fldr, prefix+"*.fits"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// IsEnabled returns the Enabled flag under the recorder's lock
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Enabled
}

// HTTPWrapper is an HTTP wrapper around an image recorder that allows the
// folder and prefix to be changed on the fly
//
// it does not implement generichttp.HTTPer, offering an Inject method allowing it to be injected
// into another HTTPer
type HTTPWrapper struct {
	*Recorder
}

// NewHTTPWrapper returns an HTTP wrapper around a recorder
func NewHTTPWrapper(r *Recorder) HTTPWrapper {
	return HTTPWrapper{r}
}

// SetRoot updates the root folder of the recorder
func (h HTTPWrapper) SetRoot(w http.ResponseWriter, r *http.Request) {
	str := generichttp.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec := h.Recorder
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.Root = str.Str
	rec.updateFolder()
	_, err = rec.mkDir()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetRoot gets the recorder's root folder and sends it back as JSON
func (h HTTPWrapper) GetRoot(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	hp := generichttp.HumanPayload{T: types.String, String: h.Recorder.Root}
	h.mu.Unlock()
	hp.EncodeAndRespond(w, r)
}

// SetPrefix updates the filename prefix of the recorder
func (h HTTPWrapper) SetPrefix(w http.ResponseWriter, r *http.Request) {
	str := generichttp.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.Recorder.Prefix = str.Str
	h.Recorder.counter = 0
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// GetPrefix gets the recorder's prefix and sends it back as JSON
func (h HTTPWrapper) GetPrefix(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	hp := generichttp.HumanPayload{T: types.String, String: h.Recorder.Prefix}
	h.mu.Unlock()
	hp.EncodeAndRespond(w, r)
}

// GetEnabled returns the Recorder's Enabled field
func (h HTTPWrapper) GetEnabled(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.Bool, Bool: h.Recorder.IsEnabled()}
	hp.EncodeAndRespond(w, r)
}

// SetEnabled sets the recorder's Enabled field
func (h HTTPWrapper) SetEnabled(w http.ResponseWriter, r *http.Request) {
	bT := generichttp.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&bT)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.Recorder.Enabled = bT.Bool
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// ListFiles responds with the base names of today's recordings
func (h HTTPWrapper) ListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.Recorder.Files()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = filepath.Base(f)
	}
	generichttp.Respond(w, names)
}

// GetFile serves one of today's recordings, named by the {name} URL parameter
func (h HTTPWrapper) GetFile(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.updateFolder()
	fldr := filepath.Join(h.Root, h.timeFldr)
	h.mu.Unlock()
	server.ReplyWithFile(w, r, chi.URLParam(r, "name"), fldr)
}

// Inject adds GET and POST routes for /autowrite/root, /autowrite/prefix
// and /autowrite/enabled to the HTTPer which manipulate this wrapper's recorder,
// and GET /autowrite/files and /autowrite/files/{name} which serve recordings
func (h HTTPWrapper) Inject(other generichttp.HTTPer) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/root"}] = h.SetRoot
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/root"}] = h.GetRoot
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/prefix"}] = h.SetPrefix
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/prefix"}] = h.GetPrefix
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/enabled"}] = h.SetEnabled
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/enabled"}] = h.GetEnabled
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/files"}] = h.ListFiles
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/files/{name}"}] = h.GetFile
}
