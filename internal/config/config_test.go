package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	c "github.com/smartystreets/goconvey/convey"
	"gopkg.in/yaml.v2"

	"sleepywoodpecker/quadem/internal/quadem"
)

func TestDefaults(t *testing.T) {
	cfg, err := Decode(New())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RingBufferSize != quadem.DefaultRingSize {
		t.Errorf("expected ring size %d, got %d", quadem.DefaultRingSize, cfg.RingBufferSize)
	}
	if cfg.Stop.PollInterval != 10*time.Millisecond || cfg.Stop.Timeout != 5*time.Second {
		t.Errorf("unexpected stop settings %+v", cfg.Stop)
	}
	if cfg.Device.BaseAddr != 0x43C00000 {
		t.Errorf("unexpected base address %#x", cfg.Device.BaseAddr)
	}
	if !cfg.Acquire.Start {
		t.Error("expected acquisition to start by default")
	}
	if len(cfg.Acquire.CurrentScale) != quadem.NumCurrents || cfg.Acquire.CurrentScale[3] != 1 {
		t.Errorf("unexpected current scales %v", cfg.Acquire.CurrentScale)
	}
}

func TestLoadFile(t *testing.T) {
	c.Convey("Given a YAML config file", t, func() {
		path := filepath.Join(t.TempDir(), "quadem.yaml")
		body := `
name: bpm1
ringBufferSize: 512
device:
  type: ascii
  addr: 10.0.0.5:10001
  readTimeout: 250ms
acquire:
  geometry: square
  acquireMode: multiple
  numAcquire: 10
  positionScale: [32767, 32767]
`
		c.So(os.WriteFile(path, []byte(body), 0644), c.ShouldBeNil)

		c.Convey("When it is loaded", func() {
			_, cfg, err := Load(path)

			c.Convey("Then file values override the defaults", func() {
				c.So(err, c.ShouldBeNil)
				c.So(cfg.Name, c.ShouldEqual, "bpm1")
				c.So(cfg.RingBufferSize, c.ShouldEqual, 512)
				c.So(cfg.Device.Type, c.ShouldEqual, "ascii")
				c.So(cfg.Device.ReadTimeout, c.ShouldEqual, 250*time.Millisecond)
				c.So(cfg.Acquire.NumAcquire, c.ShouldEqual, 10)
				c.So(cfg.Acquire.PositionScale, c.ShouldResemble, []float64{32767, 32767})
				c.So(cfg.Acquire.AveragingTime, c.ShouldEqual, 0.1)
			})
		})

		c.Convey("When the environment overrides a key", func() {
			t.Setenv("QUADEM_HTTP_ADDR", ":9100")
			_, cfg, err := Load(path)

			c.Convey("Then the environment wins", func() {
				c.So(err, c.ShouldBeNil)
				c.So(cfg.HTTP.Addr, c.ShouldEqual, ":9100")
			})
		})
	})
}

func TestLoadRejectsBadSettings(t *testing.T) {
	testCases := map[string]string{
		"geometry":     "acquire:\n  geometry: hexagon\n",
		"acquire mode": "acquire:\n  acquireMode: burst\n",
		"channels":     "acquire:\n  numChannels: 6\n",
		"device":       "device:\n  type: usb\n",
	}
	for name, body := range testCases {
		path := filepath.Join(t.TempDir(), "quadem.yaml")
		if err := os.WriteFile(path, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
		if _, _, err := Load(path); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected an error for a missing explicit config file")
	}
}

func TestWriteYAMLRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteYAML(&buf, New()); err != nil {
		t.Fatal(err)
	}

	var dump map[string]interface{}
	if err := yaml.Unmarshal(buf.Bytes(), &dump); err != nil {
		t.Fatal(err)
	}
	if _, ok := dump["device"]; !ok {
		t.Errorf("expected a device section in %s", buf.String())
	}

	path := filepath.Join(t.TempDir(), "quadem.yaml")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	_, cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Publish.SampleInterval != 100*time.Millisecond {
		t.Errorf("expected sample interval to survive the dump, got %v", cfg.Publish.SampleInterval)
	}
}
