package colormeter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ztkent/color-meter/internal/tools"
	"github.com/ztkent/color-meter/tcs3430"
	"golang.org/x/exp/io/i2c/driver"
)

// fakeSensor is a driver.Opener backed by a TCS3430 register file.
type fakeSensor struct {
	regs         [256]byte
	failWrite    map[byte]error
	stickyStatus bool
}

func newFakeSensor() *fakeSensor {
	f := &fakeSensor{failWrite: map[byte]error{}}
	f.regs[tcs3430.TCS3430_REGISTER_ID] = tcs3430.TCS3430_CHIP_ID
	copy(f.regs[tcs3430.TCS3430_REGISTER_CH0DATAL:], []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06})
	return f
}

func (f *fakeSensor) Open(addr int, tenbit bool) (driver.Conn, error) {
	return f, nil
}

func (f *fakeSensor) Tx(w, r []byte) error {
	reg := w[0]
	if len(r) > 0 {
		copy(r, f.regs[reg:])
		return nil
	}
	if err := f.failWrite[reg]; err != nil {
		return err
	}
	if reg == tcs3430.TCS3430_REGISTER_STATUS {
		if !f.stickyStatus {
			f.regs[reg] &^= w[1]
		}
		return nil
	}
	copy(f.regs[reg:], w[1:])
	return nil
}

func (f *fakeSensor) Close() error { return nil }

func newTestMeter(t *testing.T) (*Meter, *fakeSensor) {
	t.Helper()
	f := newFakeSensor()
	sensor, err := tcs3430.New(f, tcs3430.TCS3430_ADDR)
	if err != nil {
		t.Fatalf("tcs3430.New() error = %v", err)
	}
	db, err := tools.ConnectSqlite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("ConnectSqlite() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return &Meter{
		Sensor:         sensor,
		ResultsDB:      db,
		ResultsChan:    make(chan ColorResults, 16),
		Log:            log,
		RecordInterval: 10 * time.Millisecond,
		Timezone:       time.UTC,
		sleep:          func(time.Duration) {},
	}, f
}

func TestStartStopJob(t *testing.T) {
	m, f := newTestMeter(t)
	if err := m.Sensor.ALSEnable(false); err != nil {
		t.Fatalf("ALSEnable() error = %v", err)
	}

	jobID, err := m.StartJob()
	if err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}
	if _, err := m.StartJob(); err == nil {
		t.Error("second StartJob() expected error")
	}

	select {
	case result := <-m.ResultsChan:
		if result.JobID != jobID {
			t.Errorf("JobID = %q, want %q", result.JobID, jobID)
		}
		if result.X != 0x0605 || result.Y != 0x0403 || result.Z != 0x0201 {
			t.Errorf("result = %+v", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result from job")
	}

	if err := m.StopJob(); err != nil {
		t.Fatalf("StopJob() error = %v", err)
	}
	if m.Running() {
		t.Error("Running() = true after StopJob")
	}
	if f.regs[tcs3430.TCS3430_REGISTER_ENABLE]&(1<<tcs3430.ENABLE_AEN) != 0 {
		t.Error("ALS still enabled after StopJob")
	}
	if err := m.StopJob(); err == nil {
		t.Error("StopJob() on a stopped meter expected error")
	}
}

func TestNoSensor(t *testing.T) {
	m := &Meter{}
	if _, err := m.StartJob(); !errors.Is(err, errNotConnected) {
		t.Errorf("StartJob() error = %v", err)
	}
	if err := m.StopJob(); !errors.Is(err, errNotConnected) {
		t.Errorf("StopJob() error = %v", err)
	}
	if _, err := m.ReadSensorConfig(); !errors.Is(err, errNotConnected) {
		t.Errorf("ReadSensorConfig() error = %v", err)
	}
}

func TestReadSampleClearsSaturation(t *testing.T) {
	m, f := newTestMeter(t)
	f.regs[tcs3430.TCS3430_REGISTER_STATUS] = 1<<tcs3430.STATUS_ASAT | 1<<tcs3430.STATUS_AINT

	result, err := m.readSample("job")
	if err != nil {
		t.Fatalf("readSample() error = %v", err)
	}
	if !result.Saturated {
		t.Error("Saturated = false")
	}
	if got := f.regs[tcs3430.TCS3430_REGISTER_STATUS]; got != 1<<tcs3430.STATUS_AINT {
		t.Errorf("STATUS = 0x%02X, want only AINT left", got)
	}
}

func TestSetOptimalGain(t *testing.T) {
	m, f := newTestMeter(t)
	if err := m.SetOptimalGain(context.Background()); err != nil {
		t.Fatalf("SetOptimalGain() error = %v", err)
	}
	if got := f.regs[tcs3430.TCS3430_REGISTER_ATIME]; got != 255 {
		t.Errorf("ATIME = %d, want 255", got)
	}
	g, err := m.Sensor.Gain()
	if err != nil || g != tcs3430.Gain1X {
		t.Errorf("Gain() = %v, %v", g, err)
	}
}

func TestSetOptimalGainSaturated(t *testing.T) {
	m, f := newTestMeter(t)
	f.stickyStatus = true
	f.regs[tcs3430.TCS3430_REGISTER_STATUS] = 1 << tcs3430.STATUS_ASAT

	if err := m.SetOptimalGain(context.Background()); err == nil {
		t.Fatal("SetOptimalGain() expected error")
	}
	cfg, err := m.ReadSensorConfig()
	if err != nil {
		t.Fatalf("ReadSensorConfig() error = %v", err)
	}
	if cfg.Gain != "1x" || cfg.IntegrationCycles != tcs3430.CyclesForTime(100) {
		t.Errorf("fallback config = %+v", cfg)
	}
}

func TestSetOptimalGainGivesUpAtLeastSensitive(t *testing.T) {
	m, f := newTestMeter(t)
	f.stickyStatus = true
	f.regs[tcs3430.TCS3430_REGISTER_STATUS] = 1 << tcs3430.STATUS_ASAT
	var waits []time.Duration
	m.sleep = func(d time.Duration) { waits = append(waits, d) }

	if err := m.SetOptimalGain(context.Background()); err == nil {
		t.Fatal("SetOptimalGain() expected error")
	}
	// Only the 1x pass runs: every later pair is more sensitive.
	if len(waits) != len(integrationOptions) {
		t.Errorf("search waited %d times, want %d", len(waits), len(integrationOptions))
	}
	g, err := m.Sensor.Gain()
	if err != nil || g != tcs3430.Gain1X {
		t.Errorf("Gain() = %v, %v, want 1x fallback", g, err)
	}
}

func TestSetOptimalGainCancelled(t *testing.T) {
	m, f := newTestMeter(t)
	f.regs[tcs3430.TCS3430_REGISTER_ATIME] = 7
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.SetOptimalGain(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("SetOptimalGain() error = %v, want context.Canceled", err)
	}
	if got := f.regs[tcs3430.TCS3430_REGISTER_ATIME]; got != 7 {
		t.Errorf("ATIME = %d, cancelled search should not touch the sensor", got)
	}
}

func TestStopJobDuringGainSearch(t *testing.T) {
	m, f := newTestMeter(t)
	f.stickyStatus = true
	f.regs[tcs3430.TCS3430_REGISTER_STATUS] = 1 << tcs3430.STATUS_ASAT
	// Real waits: the first attempt alone integrates for over 700ms.
	m.sleep = nil

	if _, err := m.StartJob(); err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	configDone := make(chan time.Duration, 1)
	go func() {
		start := time.Now()
		if _, err := m.ReadSensorConfig(); err != nil {
			t.Errorf("ReadSensorConfig() error = %v", err)
		}
		configDone <- time.Since(start)
	}()

	start := time.Now()
	if err := m.StopJob(); err != nil {
		t.Fatalf("StopJob() error = %v", err)
	}
	if took := time.Since(start); took > 500*time.Millisecond {
		t.Errorf("StopJob took %v during a gain search", took)
	}
	select {
	case took := <-configDone:
		if took > 500*time.Millisecond {
			t.Errorf("ReadSensorConfig blocked for %v during a gain search", took)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadSensorConfig did not return")
	}
	if m.Running() {
		t.Error("Running() = true after StopJob")
	}
}

func TestApplySensorConfig(t *testing.T) {
	m, f := newTestMeter(t)
	form := url.Values{
		"gain":           {"128X"},
		"integration_ms": {"100"},
		"wait_ms":        {"27.8"},
		"wait_long":      {"true"},
		"threshold_low":  {"0x10"},
		"threshold_high": {"65535"},
		"persistence":    {"5"},
	}
	if err := m.ApplySensorConfig(form); err != nil {
		t.Fatalf("ApplySensorConfig() error = %v", err)
	}
	cfg, err := m.ReadSensorConfig()
	if err != nil {
		t.Fatalf("ReadSensorConfig() error = %v", err)
	}
	if cfg.Gain != "128x" || cfg.IntegrationCycles != 35 || !cfg.WaitLong {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.ThresholdLow != 0x10 || cfg.ThresholdHigh != 0xFFFF {
		t.Errorf("thresholds = %d, %d", cfg.ThresholdLow, cfg.ThresholdHigh)
	}
	if cfg.PersistenceCode != 5 || cfg.Persistence != "10 cycles" {
		t.Errorf("persistence = %d %q", cfg.PersistenceCode, cfg.Persistence)
	}
	if f.regs[tcs3430.TCS3430_REGISTER_WTIME] != 9 {
		t.Errorf("WTIME = %d, want 9", f.regs[tcs3430.TCS3430_REGISTER_WTIME])
	}
}

func TestApplySensorConfigInvalid(t *testing.T) {
	m, _ := newTestMeter(t)
	for _, form := range []url.Values{
		{"gain": {"25x"}},
		{"integration_ms": {"fast"}},
		{"threshold_low": {"70000"}},
		{"persistence": {"16"}},
		{"wait_long": {"maybe"}},
	} {
		if err := m.ApplySensorConfig(form); !errors.Is(err, errInvalidConfig) {
			t.Errorf("ApplySensorConfig(%v) error = %v, want errInvalidConfig", form, err)
		}
	}
}

func TestUpdateSensorConfigPartialWrite(t *testing.T) {
	m, f := newTestMeter(t)
	f.failWrite[tcs3430.TCS3430_REGISTER_CFG2] = errors.New("nack")

	form := url.Values{"gain": {"16x"}}
	r := httptest.NewRequest(http.MethodPost, "/api/v1/config", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	m.UpdateSensorConfig().ServeHTTP(w, r)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(body["message"], "partially applied") {
		t.Errorf("message = %q", body["message"])
	}
}

func TestServeSensorConfigJSON(t *testing.T) {
	m, _ := newTestMeter(t)
	r := httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	w := httptest.NewRecorder()
	m.ServeSensorConfig().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var cfg SensorConfig
	if err := json.NewDecoder(w.Body).Decode(&cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !cfg.PoweredOn || !cfg.ALSEnabled || cfg.Address != "0x39" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestServeSensorConfigPanel(t *testing.T) {
	m, _ := newTestMeter(t)
	r := httptest.NewRequest(http.MethodGet, "/colormeter/config", nil)
	w := httptest.NewRecorder()
	m.ServeSensorConfig().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `name="integration_ms"`) {
		t.Errorf("config panel missing inputs: %s", w.Body.String())
	}
}

func TestRecordAndConditions(t *testing.T) {
	m, _ := newTestMeter(t)
	for i, sat := range []bool{false, true} {
		err := m.recordResult(ColorResults{
			X: uint16(100 * (i + 1)), Y: 200, Z: 300,
			Gain: "16x", IntegrationMS: 100.08, Saturated: sat, JobID: "job-1",
		})
		if err != nil {
			t.Fatalf("recordResult() error = %v", err)
		}
	}

	current, err := m.getCurrentConditions()
	if err != nil {
		t.Fatalf("getCurrentConditions() error = %v", err)
	}
	if current.X != 200 || !current.Saturated || current.Gain != "16x" {
		t.Errorf("current = %+v", current)
	}

	start := time.Now().UTC().Add(-time.Hour).Format(tools.LayoutDB)
	end := time.Now().UTC().Add(time.Hour).Format(tools.LayoutDB)
	hist, err := m.getHistoricalConditions(current, start, end)
	if err != nil {
		t.Fatalf("getHistoricalConditions() error = %v", err)
	}
	if hist.ReadingsInRange != 2 || hist.SaturatedInRange != 1 || hist.AverageXInRange != 150 {
		t.Errorf("hist = %+v", hist)
	}
}

func TestMonitorAndRecordResults(t *testing.T) {
	m, _ := newTestMeter(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.MonitorAndRecordResults(ctx)
		close(done)
	}()
	m.ResultsChan <- ColorResults{X: 1, Y: 2, Z: 3, JobID: "job-2"}
	m.ResultsChan <- ColorResults{X: 4, Y: 5, Z: 6, JobID: "job-2"}

	deadline := time.Now().Add(2 * time.Second)
	for {
		var n int
		if err := m.ResultsDB.QueryRow("SELECT COUNT(*) FROM color WHERE job_id = ?", "job-2").Scan(&n); err != nil {
			t.Fatalf("count: %v", err)
		}
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("recorded %d rows, want 2", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestServeResultsGraph(t *testing.T) {
	m, _ := newTestMeter(t)
	if err := m.recordResult(ColorResults{X: 10, Y: 20, Z: 30, JobID: "job-3"}); err != nil {
		t.Fatalf("recordResult() error = %v", err)
	}
	r := httptest.NewRequest(http.MethodPost, "/colormeter/graph", nil)
	w := httptest.NewRecorder()
	m.ServeResultsGraph().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "echarts") {
		t.Error("graph page does not load echarts")
	}
}

func TestServeResultsTabEmpty(t *testing.T) {
	m, _ := newTestMeter(t)
	r := httptest.NewRequest(http.MethodPost, "/colormeter/results", nil)
	w := httptest.NewRecorder()
	m.ServeResultsTab().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
}

func TestServeResponse(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/colormeter/start", nil)
	w := httptest.NewRecorder()
	ServeResponse(w, r, "hello <b>", http.StatusTeapot)
	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "hello &lt;b&gt;") {
		t.Errorf("body = %q", w.Body.String())
	}
}
