package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	c "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap/zaptest"

	"sleepywoodpecker/quadem/internal/processing"
	"sleepywoodpecker/quadem/internal/quadem"
)

func newTestServer(t *testing.T) (*httptest.Server, *quadem.Driver, *processing.LatestStore) {
	store := processing.NewLatestStore("em")
	series := processing.NewSeriesStore()
	d := quadem.NewDriver(quadem.Options{Name: "em", RingSize: 64}, quadem.Publishers{store, series}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	srv := httptest.NewServer(NewRouter(d, store, series, zaptest.NewLogger(t)))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return srv, d, store
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestParamRoutes(t *testing.T) {
	c.Convey("Given an HTTP server in front of a driver", t, func() {
		srv, d, _ := newTestServer(t)

		c.Convey("When a scale is written at an address", func() {
			resp := do(t, http.MethodPut, srv.URL+"/params/QE_CURRENT_SCALE?addr=2", `{"value": 2.5}`)

			c.Convey("Then it is stored and can be read back", func() {
				c.So(resp.StatusCode, c.ShouldEqual, http.StatusOK)
				c.So(d.Params().Float(quadem.ParamCurrentScale, 2), c.ShouldEqual, 2.5)

				get := do(t, http.MethodGet, srv.URL+"/params/QE_CURRENT_SCALE?addr=2", "")
				var pv quadem.ParamValue
				c.So(json.NewDecoder(get.Body).Decode(&pv), c.ShouldBeNil)
				c.So(pv.Value, c.ShouldEqual, 2.5)
				c.So(pv.Kind, c.ShouldEqual, "float")
			})
		})

		c.Convey("When an invalid geometry is written", func() {
			resp := do(t, http.MethodPut, srv.URL+"/params/QE_GEOMETRY", `{"value": 9}`)

			c.Convey("Then the write is rejected as a bad request", func() {
				c.So(resp.StatusCode, c.ShouldEqual, http.StatusBadRequest)
			})
		})

		c.Convey("When an unknown parameter is read", func() {
			resp := do(t, http.MethodGet, srv.URL+"/params/QE_NOPE", "")

			c.Convey("Then it is not found", func() {
				c.So(resp.StatusCode, c.ShouldEqual, http.StatusNotFound)
			})
		})

		c.Convey("When the address is out of range", func() {
			resp := do(t, http.MethodGet, srv.URL+"/params/QE_POSITION_SCALE?addr=2", "")
			c.So(resp.StatusCode, c.ShouldEqual, http.StatusNotFound)
		})

		c.Convey("When all parameters are listed", func() {
			resp := do(t, http.MethodGet, srv.URL+"/params", "")
			var list []quadem.ParamValue
			c.So(json.NewDecoder(resp.Body).Decode(&list), c.ShouldBeNil)
			c.So(len(list), c.ShouldBeGreaterThan, 20)
		})
	})
}

func TestAcquisitionRoutes(t *testing.T) {
	srv, d, store := newTestServer(t)

	if resp := do(t, http.MethodPost, srv.URL+"/acquire", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("acquire: %d", resp.StatusCode)
	}
	d.OnSampleReady([]float64{1, 1, 1, 1})
	d.OnSampleReady([]float64{3, 3, 3, 3})
	if resp := do(t, http.MethodPost, srv.URL+"/trigger", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("trigger: %d", resp.StatusCode)
	}

	// PositionY is the last series published for a batch
	lastSeries := func() int {
		var st SeriesT
		resp := do(t, http.MethodGet, srv.URL+"/series/PositionY", "")
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			t.Fatal(err)
		}
		return st.Seq
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, seq, _ := store.Latest(); seq == 1 && lastSeries() == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no batch published")
		}
		time.Sleep(time.Millisecond)
	}

	var latest LatestT
	resp := do(t, http.MethodGet, srv.URL+"/latest", "")
	if err := json.NewDecoder(resp.Body).Decode(&latest); err != nil {
		t.Fatal(err)
	}
	if latest.Seq != 1 || latest.Fields["Current1"] != 2 || latest.Fields["SumAll"] != 8 {
		t.Errorf("unexpected latest %+v", latest)
	}

	var series SeriesT
	resp = do(t, http.MethodGet, srv.URL+"/series/positionx", "")
	if err := json.NewDecoder(resp.Body).Decode(&series); err != nil {
		t.Fatal(err)
	}
	if series.Field != "PositionX" || series.Seq != 1 || len(series.Values) != 2 {
		t.Errorf("unexpected series %+v", series)
	}
	resp = do(t, http.MethodGet, srv.URL+"/series/Current2", "")
	if err := json.NewDecoder(resp.Body).Decode(&series); err != nil {
		t.Fatal(err)
	}
	if series.Values[0] != 1 || series.Values[1] != 3 {
		t.Errorf("expected the raw Current2 series, got %v", series.Values)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/series/Current9", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown field, got %d", resp.StatusCode)
	}

	var status quadem.Status
	resp = do(t, http.MethodGet, srv.URL+"/status", "")
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if !status.Acquiring || status.NumAcquired != 1 || status.RingCapacity != 64 {
		t.Errorf("unexpected status %+v", status)
	}

	if resp := do(t, http.MethodPost, srv.URL+"/stop", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("stop: %d", resp.StatusCode)
	}
	if d.Acquiring() {
		t.Error("expected acquisition stopped")
	}
	if resp := do(t, http.MethodPost, srv.URL+"/reset", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("reset: %d", resp.StatusCode)
	}
}

func TestLatestWithoutStore(t *testing.T) {
	d := quadem.NewDriver(quadem.Options{}, quadem.Publishers{}, zaptest.NewLogger(t))
	router := NewRouter(d, nil, nil, zaptest.NewLogger(t))
	for _, path := range []string{"/latest", "/series/SumAll"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, rec.Code)
		}
	}
}
