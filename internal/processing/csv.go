package processing

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"sleepywoodpecker/quadem/internal/quadem"
)

// CSVWriter is a Publisher writing one row per record of every group:
// sequence number, batch timestamp, then the record fields.
type CSVWriter struct {
	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	w      *csv.Writer
	logger *zap.Logger
}

func NewCSVWriter(filename string, logger *zap.Logger) (*CSVWriter, error) {
	file, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("[csv] error opening %s: %w", filename, err)
	}
	buf := bufio.NewWriter(file)
	cw := &CSVWriter{file: file, buf: buf, w: csv.NewWriter(buf), logger: logger}

	header := []string{"seq", "timestamp"}
	for _, f := range quadem.Fields() {
		header = append(header, f.String())
	}
	if err := cw.w.Write(header); err != nil {
		file.Close()
		return nil, err
	}
	return cw, nil
}

func (cw *CSVWriter) PublishGroup(batch []quadem.Record, ts time.Time, seq int) {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	row := make([]string, 2+quadem.NumFields)
	row[0] = strconv.Itoa(seq)
	row[1] = ts.Format(time.RFC3339Nano)
	for _, rec := range batch {
		for f, v := range rec {
			row[2+f] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := cw.w.Write(row); err != nil {
			cw.logger.Warn("[csv] error writing row", zap.Error(err), zap.Int("seq", seq))
			return
		}
	}
	cw.w.Flush()
}

func (cw *CSVWriter) PublishChannel(quadem.Field, []float64, time.Time, int) {}

// Close flushes buffered rows and closes the file.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.w.Flush()
	return multierr.Combine(cw.w.Error(), cw.buf.Flush(), cw.file.Close())
}
