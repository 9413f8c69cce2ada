package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"sleepywoodpecker/quadem/internal/quadem"
)

// ErrNAK is returned when the meter rejects a command.
var ErrNAK = errors.New("meter replied NAK")

const (
	DefaultReadTimeout    = 100 * time.Millisecond
	DefaultCommandTimeout = time.Second
	// pause after a hard read error; the meter is probably offline
	errorBackoff = time.Second
	// each ValuesPerRead step is 10 us of integration
	asciiSampleQuantum = 10e-6
)

// ASCIIConfig locates a meter streaming ASCII over TCP.
type ASCIIConfig struct {
	Addr           string
	ReadTimeout    time.Duration
	CommandTimeout time.Duration
	DialTimeout    time.Duration
}

// ASCII drives a TetrAMM-style meter: line commands answered by ACK, data
// lines of whitespace separated currents, and SEQNR/EOTRG trigger markers.
// One mutex serialises the connection between commands and the read loop.
type ASCII struct {
	quadem.NopDevice
	cfg    ASCIIConfig
	host   quadem.Host
	logger *zap.Logger

	mu   sync.Mutex
	conn net.Conn
	rd   *bufio.Reader
	// start of a line cut off by a read deadline
	pending string

	trigStarts atomic.Int64
	trigEnds   atomic.Int64
	badLines   atomic.Int64
	nextEdge   int
}

// DialASCII connects to the meter, retrying with exponential back-off.
func DialASCII(ctx context.Context, cfg ASCIIConfig, host quadem.Host) (*ASCII, error) {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	a := &ASCII{cfg: cfg, host: host, logger: host.Logger()}
	if err := a.connect(ctx); err != nil {
		return nil, err
	}
	_ = host.Params().SetText(quadem.ParamModel, 0, "TetrAMM")
	if ver, err := a.query("VER"); err == nil {
		_ = host.Params().SetText(quadem.ParamFirmware, 0, ver)
	} else {
		a.logger.Warn("[ascii] could not read firmware version", zap.Error(err))
	}
	return a, nil
}

func (a *ASCII) connect(ctx context.Context) error {
	var conn net.Conn
	op := func() error {
		var err error
		d := net.Dialer{Timeout: a.cfg.DialTimeout}
		conn, err = d.DialContext(ctx, "tcp", a.cfg.Addr)
		if err != nil {
			a.logger.Warn("[ascii] dial failed, retrying", zap.String("addr", a.cfg.Addr), zap.Error(err))
		}
		return err
	}
	b := backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval:     50 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         time.Second,
		MaxElapsedTime:      5 * time.Second,
		Clock:               backoff.SystemClock}, ctx)
	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("[ascii] connect %s: %w", a.cfg.Addr, err)
	}

	a.mu.Lock()
	if a.conn != nil {
		a.conn.Close()
	}
	a.conn = conn
	a.rd = bufio.NewReader(conn)
	a.pending = ""
	a.mu.Unlock()
	a.logger.Info("[ascii] connected", zap.String("addr", a.cfg.Addr))
	return nil
}

// readLine reads one CR/LF terminated line; callers hold a.mu. Bytes read
// before the deadline are kept and complete the line on the next call.
func (a *ASCII) readLine(deadline time.Time) (string, error) {
	if a.conn == nil {
		return "", ErrNotConnected
	}
	if err := a.conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}
	line, err := a.rd.ReadString('\n')
	if err != nil {
		a.pending += line
		return "", err
	}
	line = a.pending + line
	a.pending = ""
	return strings.TrimRight(line, "\r\n"), nil
}

func (a *ASCII) send(cmd string) error {
	if a.conn == nil {
		return ErrNotConnected
	}
	_ = a.conn.SetWriteDeadline(time.Now().Add(a.cfg.CommandTimeout))
	_, err := a.conn.Write([]byte(cmd + "\r\n"))
	return err
}

// command sends cmd and waits for ACK, skipping any data lines still in
// flight.
func (a *ASCII) command(cmd string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.send(cmd); err != nil {
		return fmt.Errorf("[ascii] %s: %w", cmd, err)
	}
	deadline := time.Now().Add(a.cfg.CommandTimeout)
	for {
		line, err := a.readLine(deadline)
		if err != nil {
			return fmt.Errorf("[ascii] %s: waiting for ACK: %w", cmd, err)
		}
		switch {
		case line == "ACK":
			a.logger.Debug("[ascii] command acknowledged", zap.String("cmd", cmd))
			return nil
		case strings.HasPrefix(line, "NAK"):
			return fmt.Errorf("[ascii] %s: %w: %s", cmd, ErrNAK, line)
		}
	}
}

// query sends "<key>:?" and returns the value of the "<key>:<value>" reply.
func (a *ASCII) query(key string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.send(key + ":?"); err != nil {
		return "", fmt.Errorf("[ascii] %s:?: %w", key, err)
	}
	deadline := time.Now().Add(a.cfg.CommandTimeout)
	for {
		line, err := a.readLine(deadline)
		if err != nil {
			return "", fmt.Errorf("[ascii] %s:?: %w", key, err)
		}
		if strings.HasPrefix(line, "NAK") {
			return "", fmt.Errorf("[ascii] %s:?: %w: %s", key, ErrNAK, line)
		}
		if v, ok := strings.CutPrefix(line, key+":"); ok {
			return v, nil
		}
	}
}

func (a *ASCII) queryInt(key string) (int, error) {
	v, err := a.query(key)
	if err != nil {
		return 0, err
	}
	// the meter can report per-channel ranges; only the first is used
	if key == "RNG" && len(v) > 1 {
		v = v[:1]
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("[ascii] %s: %w", key, err)
	}
	return n, nil
}

func (a *ASCII) SetAcquire(on bool) error {
	if on {
		a.mu.Lock()
		defer a.mu.Unlock()
		// no reply: data starts flowing straight away
		return a.send("ACQ:ON")
	}
	return a.command("ACQ:OFF")
}

func (a *ASCII) SetRange(r int) error {
	return a.command(fmt.Sprintf("RNG:%d", r))
}

func (a *ASCII) SetNumChannels(n int) error {
	return a.command(fmt.Sprintf("CHN:%d", n))
}

func (a *ASCII) SetValuesPerRead(n int) error {
	return a.command(fmt.Sprintf("NRSAMP:%d", n))
}

func (a *ASCII) SetTriggerMode(mode int) error {
	if mode == quadem.TriggerFreeRun {
		return a.command("TRG:OFF")
	}
	return a.command("TRG:ON")
}

func (a *ASCII) SetAcquireMode(mode quadem.AcquireMode) error {
	return a.setNumTriggers(mode, a.host.Params().Int(quadem.ParamNumAcquire, 0))
}

func (a *ASCII) SetNumAcquire(n int) error {
	mode := quadem.AcquireMode(a.host.Params().Int(quadem.ParamAcquireMode, 0))
	return a.setNumTriggers(mode, n)
}

// NTRG has no effect in continuous mode.
func (a *ASCII) setNumTriggers(mode quadem.AcquireMode, numAcquire int) error {
	ntrg := 0
	switch mode {
	case quadem.Single:
		ntrg = 1
	case quadem.Multiple:
		ntrg = numAcquire
	}
	return a.command(fmt.Sprintf("NTRG:%d", ntrg))
}

func (a *ASCII) SetBiasState(state int) error {
	if state == 0 {
		return a.command("HVS:OFF")
	}
	return a.command(fmt.Sprintf("HVS:%f", a.host.Params().Float(quadem.ParamBiasVoltage, 0)))
}

func (a *ASCII) SetBiasVoltage(volts float64) error {
	if a.host.Params().Int(quadem.ParamBiasState, 0) == 0 {
		return nil
	}
	return a.command(fmt.Sprintf("HVS:%f", volts))
}

// ReadStatus reads range, channel count and values per read back from the
// meter and derives the sample time from the latter.
func (a *ASCII) ReadStatus() error {
	ps := a.host.Params()
	var errs error

	if rng, err := a.queryInt("RNG"); err == nil {
		_ = ps.SetInt(quadem.ParamRange, 0, rng)
	} else {
		errs = multierr.Append(errs, err)
	}
	if chn, err := a.queryInt("CHN"); err == nil {
		_ = ps.SetInt(quadem.ParamNumChannels, 0, chn)
	} else {
		errs = multierr.Append(errs, err)
	}
	if vpr, err := a.queryInt("NRSAMP"); err == nil {
		_ = ps.SetInt(quadem.ParamValuesPerRead, 0, vpr)
		_ = ps.SetFloat(quadem.ParamSampleTime, 0, asciiSampleQuantum*float64(vpr))
	} else {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// Reset drops and re-establishes the TCP connection.
func (a *ASCII) Reset() error {
	return a.connect(context.Background())
}

// TriggerEdges returns how many trigger start and end markers were seen.
func (a *ASCII) TriggerEdges() (starts, ends int64) {
	return a.trigStarts.Load(), a.trigEnds.Load()
}

// Run reads the data stream while acquisition is on, until ctx is cancelled.
func (a *ASCII) Run(ctx context.Context) error {
	for {
		if err := a.host.WaitAcquire(ctx); err != nil {
			a.logger.Info("[ascii] received shutdown signal")
			return nil
		}

		a.mu.Lock()
		line, err := a.readLine(time.Now().Add(a.cfg.ReadTimeout))
		a.mu.Unlock()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			a.logger.Error("[ascii] unexpected error reading meter", zap.Error(err))
			select {
			case <-time.After(errorBackoff):
			case <-ctx.Done():
				return nil
			}
			if rerr := a.connect(ctx); rerr != nil {
				a.logger.Warn("[ascii] reconnect failed", zap.Error(rerr))
			}
			continue
		}
		a.handleLine(line)
	}
}

func (a *ASCII) handleLine(line string) {
	switch {
	case strings.Contains(line, "SEQNR"):
		a.trigStarts.Add(1)
		if a.nextEdge != 0 {
			a.logger.Warn("[ascii] extra trigger start",
				zap.Int64("starts", a.trigStarts.Load()), zap.Int64("ends", a.trigEnds.Load()))
		}
		a.nextEdge = 1
	case strings.Contains(line, "EOTRG"):
		a.trigEnds.Add(1)
		if a.host.Params().Int(quadem.ParamTriggerMode, 0) == quadem.TriggerExtBulb {
			a.host.Trigger()
		}
		if a.nextEdge != 1 {
			a.logger.Warn("[ascii] extra trigger end",
				zap.Int64("starts", a.trigStarts.Load()), zap.Int64("ends", a.trigEnds.Load()))
		}
		a.nextEdge = 0
	case line == "ACK" || line == "":
	default:
		raw, err := parseCurrents(line, a.host.Params().Int(quadem.ParamNumChannels, 0))
		if err != nil {
			a.badLines.Add(1)
			a.logger.Warn("[ascii] could not parse data line", zap.String("line", line), zap.Error(err))
			return
		}
		a.host.OnSampleReady(raw)
	}
}

// parseCurrents reads the first numChannels values of a data line; the rest
// of the 4 currents read as zero.
func parseCurrents(line string, numChannels int) ([]float64, error) {
	if numChannels < 1 || numChannels > quadem.NumCurrents {
		numChannels = quadem.NumCurrents
	}
	fields := strings.Fields(line)
	if len(fields) < numChannels {
		return nil, fmt.Errorf("want %d values, have %d", numChannels, len(fields))
	}
	raw := make([]float64, quadem.NumCurrents)
	for i := 0; i < numChannels; i++ {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return nil, err
		}
		raw[i] = v
	}
	return raw, nil
}

func (a *ASCII) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}
