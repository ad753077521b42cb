// Package statlog writes the two append-only CSV files described in
// spec.md §6.3: a per-tick statistics row and a periodic safe-rate
// speed-history dump. It is adapted from the teacher's in-memory ring
// buffer writer (galpt-cake-stats/pkg/history) into a plain append-only
// file writer, since this spec wants durable on-disk CSV rather than an
// HTTP-served ring.
package statlog

import (
	"encoding/csv"
	"fmt"
	"os"
	"sync"

	"github.com/Lochnair/sqm-autorate/internal/ratecontrol"
)

var statsHeader = []string{"times", "timens", "rxload", "txload", "deltadelaydown", "deltadelayup", "dlrate", "uprate"}
var speedHistHeader = []string{"time", "counter", "upspeed", "downspeed"}

// Writer writes both CSVs. A zero-value Writer with Suppress=true is a
// valid no-op, matching spec.md §6's suppress_statistics=true switch.
type Writer struct {
	Suppress bool

	mu          sync.Mutex
	statsFile   *os.File
	statsCSV    *csv.Writer
	histFile    *os.File
	histCSV     *csv.Writer
}

var _ ratecontrol.StatsWriter = (*Writer)(nil)
var _ ratecontrol.SpeedHistWriter = (*Writer)(nil)

// Open creates (or truncates) the two CSV files and writes their headers.
// If suppress is true, the files are never opened and every write is a
// no-op.
func Open(statsPath, speedHistPath string, suppress bool) (*Writer, error) {
	w := &Writer{Suppress: suppress}
	if suppress {
		return w, nil
	}

	sf, err := os.Create(statsPath)
	if err != nil {
		return nil, fmt.Errorf("statlog: creating stats file %q: %w", statsPath, err)
	}
	sw := csv.NewWriter(sf)
	if err := sw.Write(statsHeader); err != nil {
		sf.Close()
		return nil, fmt.Errorf("statlog: writing stats header: %w", err)
	}
	sw.Flush()

	hf, err := os.Create(speedHistPath)
	if err != nil {
		sf.Close()
		return nil, fmt.Errorf("statlog: creating speed-history file %q: %w", speedHistPath, err)
	}
	hw := csv.NewWriter(hf)
	if err := hw.Write(speedHistHeader); err != nil {
		sf.Close()
		hf.Close()
		return nil, fmt.Errorf("statlog: writing speed-history header: %w", err)
	}
	hw.Flush()

	w.statsFile, w.statsCSV = sf, sw
	w.histFile, w.histCSV = hf, hw
	return w, nil
}

// Close flushes and closes both files. Safe to call on a suppressed Writer.
func (w *Writer) Close() error {
	if w.Suppress {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	var err error
	if cerr := w.statsFile.Close(); cerr != nil {
		err = cerr
	}
	if cerr := w.histFile.Close(); cerr != nil {
		err = cerr
	}
	return err
}

// WriteStats appends one row of per-tick stats, per spec.md §6.3's header.
func (w *Writer) WriteStats(row ratecontrol.StatsRow) error {
	if w.Suppress {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	record := []string{
		fmt.Sprintf("%d", row.Time.Unix()),
		fmt.Sprintf("%d", row.Time.Nanosecond()),
		fmt.Sprintf("%.4f", row.RxLoad),
		fmt.Sprintf("%.4f", row.TxLoad),
		fmt.Sprintf("%.4f", row.DeltaDelayDown),
		fmt.Sprintf("%.4f", row.DeltaDelayUp),
		fmt.Sprintf("%.2f", row.DownRate),
		fmt.Sprintf("%.2f", row.UpRate),
	}
	if err := w.statsCSV.Write(record); err != nil {
		return fmt.Errorf("statlog: writing stats row: %w", err)
	}
	w.statsCSV.Flush()
	return w.statsCSV.Error()
}

// WriteSpeedHist appends one row of the safe-rate ring dump, per spec.md
// §6.3's header. Called once per ring slot, every 300s.
func (w *Writer) WriteSpeedHist(row ratecontrol.SpeedHistRow) error {
	if w.Suppress {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	record := []string{
		fmt.Sprintf("%d", row.Time.Unix()),
		fmt.Sprintf("%d", row.Counter),
		fmt.Sprintf("%.2f", row.UpSpeed),
		fmt.Sprintf("%.2f", row.DownSpeed),
	}
	if err := w.histCSV.Write(record); err != nil {
		return fmt.Errorf("statlog: writing speed-history row: %w", err)
	}
	w.histCSV.Flush()
	return w.histCSV.Error()
}
