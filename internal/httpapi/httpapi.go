// Package httpapi exposes a driver's parameters and acquisition control over
// HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"go.uber.org/zap"

	"sleepywoodpecker/quadem/internal/quadem"
)

// Driver is the control surface the routes act on; *quadem.Driver
// satisfies it.
type Driver interface {
	Params() *quadem.Params
	WriteFloat(p quadem.Param, addr int, v float64) error
	Start() error
	Stop() error
	Trigger()
	Reset() error
	Status() quadem.Status
}

// Latest supplies the newest batch mean; *processing.LatestStore
// satisfies it.
type Latest interface {
	Latest() (mean quadem.Record, seq int, ts time.Time)
}

// Series supplies the newest per-field time series; *processing.SeriesStore
// satisfies it.
type Series interface {
	Series(f quadem.Field) (values []float64, seq int, ts time.Time)
}

// ValueT is the body of a parameter write.
type ValueT struct {
	Value float64 `json:"value"`
}

// LatestT is the body of GET /latest.
type LatestT struct {
	Seq       int                `json:"seq"`
	Timestamp time.Time          `json:"timestamp"`
	Fields    map[string]float64 `json:"fields"`
}

// SeriesT is the body of GET /series/{field}.
type SeriesT struct {
	Field     string    `json:"field"`
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Values    []float64 `json:"values"`
}

type server struct {
	drv    Driver
	latest Latest
	series Series
	logger *zap.Logger
}

// NewRouter builds the routes. latest and series may be nil, in which case
// their routes answer 404.
func NewRouter(drv Driver, latest Latest, series Series, logger *zap.Logger) chi.Router {
	s := &server{drv: drv, latest: latest, series: series, logger: logger}

	r := chi.NewRouter()
	r.Get("/params", s.listParams)
	r.Get("/params/{name}", s.getParam)
	r.Put("/params/{name}", s.putParam)
	r.Post("/acquire", s.action("acquire", drv.Start))
	r.Post("/stop", s.action("stop", drv.Stop))
	r.Post("/trigger", s.action("trigger", func() error { drv.Trigger(); return nil }))
	r.Post("/reset", s.action("reset", drv.Reset))
	r.Get("/latest", s.getLatest)
	r.Get("/series/{field}", s.getSeries)
	r.Get("/status", s.getStatus)
	return r
}

func (s *server) respond(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("[http] error encoding response", zap.Error(err))
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, quadem.ErrInvalidParam), errors.Is(err, quadem.ErrInvalidGeometry):
		return http.StatusBadRequest
	case errors.Is(err, quadem.ErrStopTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *server) listParams(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.drv.Params().Snapshot())
}

// popParam reads the {name} path segment and the addr query parameter.
func popParam(r *http.Request) (quadem.Param, int, quadem.Kind, error) {
	p := quadem.Param(chi.URLParam(r, "name"))
	kind, err := quadem.KindOf(p)
	if err != nil {
		return p, 0, kind, err
	}
	addr := 0
	if a := r.URL.Query().Get("addr"); a != "" {
		addr, err = strconv.Atoi(a)
		if err != nil {
			return p, 0, kind, fmt.Errorf("%w: addr %q", quadem.ErrInvalidParam, a)
		}
	}
	if addr < 0 || addr >= quadem.Addrs(p) {
		return p, 0, kind, fmt.Errorf("%w: %s has no address %d", quadem.ErrInvalidParam, p, addr)
	}
	return p, addr, kind, nil
}

func (s *server) getParam(w http.ResponseWriter, r *http.Request) {
	p, addr, kind, err := popParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	ps := s.drv.Params()
	pv := quadem.ParamValue{Name: p, Addr: addr, Kind: kind.String()}
	if kind == quadem.KindString {
		pv.Text = ps.Text(p, addr)
	} else {
		pv.Value = ps.Float(p, addr)
	}
	s.respond(w, pv)
}

func (s *server) putParam(w http.ResponseWriter, r *http.Request) {
	p, addr, _, err := popParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	var v ValueT
	err = json.NewDecoder(r.Body).Decode(&v)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.drv.WriteFloat(p, addr, v.Value); err != nil {
		s.logger.Warn("[http] parameter write failed", zap.String("param", string(p)), zap.Error(err))
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *server) action(name string, fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			s.logger.Warn("[http] action failed", zap.String("action", name), zap.Error(err))
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		s.logger.Info("[http] action done", zap.String("action", name))
		w.WriteHeader(http.StatusOK)
	}
}

func (s *server) getLatest(w http.ResponseWriter, r *http.Request) {
	if s.latest == nil {
		http.Error(w, "no latest-value store configured", http.StatusNotFound)
		return
	}
	mean, seq, ts := s.latest.Latest()
	out := LatestT{Seq: seq, Timestamp: ts, Fields: make(map[string]float64, quadem.NumFields)}
	for _, f := range quadem.Fields() {
		out.Fields[f.String()] = mean[f]
	}
	s.respond(w, out)
}

func (s *server) getSeries(w http.ResponseWriter, r *http.Request) {
	if s.series == nil {
		http.Error(w, "no series store configured", http.StatusNotFound)
		return
	}
	f, err := quadem.ParseField(chi.URLParam(r, "field"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	values, seq, ts := s.series.Series(f)
	if values == nil {
		values = []float64{}
	}
	s.respond(w, SeriesT{Field: f.String(), Seq: seq, Timestamp: ts, Values: values})
}

func (s *server) getStatus(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.drv.Status())
}
