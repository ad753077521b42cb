package statlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lochnair/sqm-autorate/internal/ratecontrol"
)

func TestOpen_WritesHeaders(t *testing.T) {
	dir := t.TempDir()
	statsPath := filepath.Join(dir, "stats.csv")
	histPath := filepath.Join(dir, "hist.csv")

	w, err := Open(statsPath, histPath, false)
	require.NoError(t, err)
	defer w.Close()

	statsBytes, err := os.ReadFile(statsPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(statsBytes), "times,timens,rxload,txload,deltadelaydown,deltadelayup,dlrate,uprate"))

	histBytes, err := os.ReadFile(histPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(histBytes), "time,counter,upspeed,downspeed"))
}

func TestSuppressed_WriterIsANoOp(t *testing.T) {
	dir := t.TempDir()
	statsPath := filepath.Join(dir, "stats.csv")
	histPath := filepath.Join(dir, "hist.csv")

	w, err := Open(statsPath, histPath, true)
	require.NoError(t, err)
	require.NoError(t, w.WriteStats(ratecontrol.StatsRow{Time: time.Now()}))
	require.NoError(t, w.WriteSpeedHist(ratecontrol.SpeedHistRow{Time: time.Now()}))
	require.NoError(t, w.Close())

	_, err = os.Stat(statsPath)
	assert.True(t, os.IsNotExist(err))
}

func TestWriteStats_AppendsRow(t *testing.T) {
	dir := t.TempDir()
	statsPath := filepath.Join(dir, "stats.csv")
	histPath := filepath.Join(dir, "hist.csv")
	w, err := Open(statsPath, histPath, false)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WriteStats(ratecontrol.StatsRow{
		Time: time.Now(), RxLoad: 0.5, TxLoad: 0.6,
		DeltaDelayDown: 1.2, DeltaDelayUp: 2.3,
		DownRate: 30000, UpRate: 10000,
	}))

	b, err := os.ReadFile(statsPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "30000.00")
}
