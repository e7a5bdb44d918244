package generichttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

func TestSetAndGetThroughRouter(t *testing.T) {
	var stored int
	rt := RouteTable{
		{Method: http.MethodGet, Path: "/n"}: GetInt(func() (int, error) { return stored, nil }),
		{Method: http.MethodPost, Path: "/n"}: SetInt(func(i int) error {
			if i < 0 {
				return WithStatus(errors.New("negative"), http.StatusBadRequest)
			}
			stored = i
			return nil
		}),
	}
	r := chi.NewRouter()
	rt.Bind(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/n", strings.NewReader(`{"int": 7}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("POST status %d", w.Code)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/n", nil))
	var got IntT
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Int != 7 {
		t.Errorf("got %d, expected 7", got.Int)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/n", strings.NewReader(`{"int": -1}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("annotated error gave status %d", w.Code)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/n", strings.NewReader(`not json`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body gave status %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/endpoints", nil))
	var eps []string
	json.NewDecoder(w.Body).Decode(&eps)
	if diff := cmp.Diff([]string{"GET /n", "POST /n"}, eps); diff != "" {
		t.Error(diff)
	}
}

func TestStatusFor(t *testing.T) {
	err := errors.Wrap(WithStatus(errors.New("x"), http.StatusLocked), "context")
	if StatusFor(err) != http.StatusLocked {
		t.Errorf("wrapped status lost: %d", StatusFor(err))
	}
	if StatusFor(errors.New("plain")) != http.StatusInternalServerError {
		t.Error("plain error not reported as 500")
	}
}

func TestSubMuxSanitize(t *testing.T) {
	for in, expected := range map[string]string{
		"omc/nkt":    "/omc/nkt",
		"/omc/nkt/*": "/omc/nkt",
		"scope/":     "/scope",
		"":           "/",
	} {
		if got := SubMuxSanitize(in); got != expected {
			t.Errorf("%q: got %q, expected %q", in, got, expected)
		}
	}
}
