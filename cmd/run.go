package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sleepywoodpecker/quadem/internal/config"
	"sleepywoodpecker/quadem/internal/device"
	"sleepywoodpecker/quadem/internal/httpapi"
	"sleepywoodpecker/quadem/internal/logger"
	"sleepywoodpecker/quadem/internal/processing"
	"sleepywoodpecker/quadem/internal/quadem"
	rserial "sleepywoodpecker/quadem/internal/rSerial"
)

const shutdownTimeout = 2 * time.Second

// task is a long-running loop started in the daemon's errgroup.
type task func(ctx context.Context) error

func run(cfg *config.Config) error {
	// context handler for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	logger, err := logger.New(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// sinks
	latest := processing.NewLatestStore(cfg.Name)
	series := processing.NewSeriesStore()
	pubs := quadem.Publishers{latest, series}
	if cfg.Publish.CSVFile != "" {
		csvWriter, err := processing.NewCSVWriter(cfg.Publish.CSVFile, logger)
		if err != nil {
			return err
		}
		defer csvWriter.Close()
		pubs = append(pubs, csvWriter)
	}

	d := quadem.NewDriver(quadem.Options{
		Name:             cfg.Name,
		RingSize:         cfg.RingBufferSize,
		StopPollInterval: cfg.Stop.PollInterval,
		StopTimeout:      cfg.Stop.Timeout,
	}, pubs, logger)
	logParamChanges(d.Params(), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(gctx) })

	tasks, err := attachDevice(gctx, cfg.Device, d, logger)
	if err != nil {
		cancel()
		return multierr.Append(err, g.Wait())
	}
	for _, t := range tasks {
		t := t
		g.Go(func() error { return t(gctx) })
	}

	if err := applyAcquire(d, cfg.Acquire); err != nil {
		logger.Warn("[main] some acquire settings were rejected", zap.Error(err))
	}
	if err := d.Reset(); err != nil {
		logger.Warn("[main] device did not take every setting", zap.Error(err))
	}
	if cfg.Acquire.Start {
		if err := d.Start(); err != nil {
			logger.Error("[main] could not start acquisition", zap.Error(err))
		}
	}

	if cfg.Publish.InfluxAddr != "" {
		udpAddr, err := net.ResolveUDPAddr("udp", cfg.Publish.InfluxAddr)
		if err != nil {
			cancel()
			return multierr.Append(err, g.Wait())
		}
		udpConn, err := net.DialUDP("udp", nil, udpAddr)
		if err != nil {
			cancel()
			return multierr.Append(err, g.Wait())
		}
		defer udpConn.Close()

		sampler := processing.NewSampler(cfg.Publish.SampleInterval, udpConn,
			[]*processing.LatestStore{latest}, cfg.Publish.Measurement, logger)
		g.Go(func() error { return sampler.Run(gctx) })
	}

	if cfg.HTTP.Addr != "" {
		srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: httpapi.NewRouter(d, latest, series, logger)}
		g.Go(func() error {
			logger.Info("[main] now listening for requests", zap.String("addr", cfg.HTTP.Addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	select {
	case <-sigCh:
		logger.Info("[main] received shutdown signal")
	case <-gctx.Done():
		logger.Warn("[main] a task exited early, shutting down")
	}

	// stop while the producer still runs so it can acknowledge
	err = d.Stop()
	cancel()
	err = multierr.Append(err, g.Wait())
	err = multierr.Append(err, d.Close())
	if err != nil {
		logger.Error("[main] shutdown finished with errors", zap.Error(err))
	}
	return err
}

// attachDevice builds the adapter named by dc.Type, attaches it to d and
// returns its producer loops.
func attachDevice(ctx context.Context, dc config.Device, d *quadem.Driver, logger *zap.Logger) ([]task, error) {
	switch strings.ToLower(dc.Type) {
	case "soft":
		soft := device.NewSoft(d)
		d.Attach(soft)
		if dc.Simulate {
			return []task{soft.Simulate}, nil
		}
		return nil, nil

	case "serial":
		port, err := rserial.Open(dc.Port, dc.Baud, logger)
		if err != nil {
			return nil, err
		}
		queue := make(chan []byte, processing.DEFAULT_QUEUE_SIZE)
		rs := rserial.NewRSerial(port, dc.Port, queue, logger,
			processing.FrameSize, processing.StopSequence, dc.ReadTimeout, d)
		proc := processing.NewProcessor(dc.RawLog, queue, logger, d)
		_ = d.Params().SetText(quadem.ParamModel, 0, "serial")
		return []task{
			func(ctx context.Context) error {
				defer rs.Close()
				rs.Run(ctx)
				return nil
			},
			proc.Run,
		}, nil

	case "ascii":
		a, err := device.DialASCII(ctx, device.ASCIIConfig{Addr: dc.Addr, ReadTimeout: dc.ReadTimeout}, d)
		if err != nil {
			return nil, err
		}
		d.Attach(a)
		return []task{a.Run}, nil

	case "fpga":
		f, err := device.OpenFPGA(device.FPGAConfig{
			DevMem:       dc.DevMem,
			BaseAddr:     dc.BaseAddr,
			IRQDevice:    dc.IRQDevice,
			PollInterval: dc.PollInterval,
		}, d)
		if err != nil {
			return nil, err
		}
		d.Attach(f)
		return []task{f.Run}, nil
	}
	return nil, fmt.Errorf("[main] unknown device type %q", dc.Type)
}

// applyAcquire writes the configured acquisition settings through the
// driver so each one reaches the device hooks.
func applyAcquire(d *quadem.Driver, a config.Acquire) error {
	geom, err := quadem.ParseGeometry(a.Geometry)
	if err != nil {
		return err
	}
	mode, err := quadem.ParseAcquireMode(a.AcquireMode)
	if err != nil {
		return err
	}

	err = multierr.Combine(
		d.WriteInt(quadem.ParamGeometry, 0, int(geom)),
		d.WriteInt(quadem.ParamAcquireMode, 0, int(mode)),
		d.WriteInt(quadem.ParamNumAcquire, 0, a.NumAcquire),
		d.WriteInt(quadem.ParamNumChannels, 0, a.NumChannels),
		d.WriteInt(quadem.ParamTriggerMode, 0, a.TriggerMode),
		d.WriteInt(quadem.ParamRange, 0, a.Range),
		d.WriteFloat(quadem.ParamSampleTime, 0, a.SampleTime),
		d.WriteFloat(quadem.ParamAveragingTime, 0, a.AveragingTime),
	)
	err = multierr.Append(err, writeArray(d, quadem.ParamCurrentOffset, a.CurrentOffset))
	err = multierr.Append(err, writeArray(d, quadem.ParamCurrentScale, a.CurrentScale))
	err = multierr.Append(err, writeArray(d, quadem.ParamPositionOffset, a.PositionOffset))
	err = multierr.Append(err, writeArray(d, quadem.ParamPositionScale, a.PositionScale))
	return err
}

func writeArray(d *quadem.Driver, p quadem.Param, vals []float64) error {
	var err error
	for i, v := range vals {
		if i >= quadem.Addrs(p) {
			break
		}
		err = multierr.Append(err, d.WriteFloat(p, i, v))
	}
	return err
}

// logParamChanges debug-logs every parameter change except the per-batch
// averages, which change on every batch.
func logParamChanges(ps *quadem.Params, logger *zap.Logger) {
	ps.Subscribe(func(p quadem.Param, addr int) {
		if p == quadem.ParamDoubleData {
			return
		}
		fields := []zap.Field{zap.String("param", string(p)), zap.Int("addr", addr)}
		if kind, _ := quadem.KindOf(p); kind == quadem.KindString {
			fields = append(fields, zap.String("value", ps.Text(p, addr)))
		} else {
			fields = append(fields, zap.Float64("value", ps.Float(p, addr)))
		}
		logger.Debug("[main] parameter changed", fields...)
	})
}
