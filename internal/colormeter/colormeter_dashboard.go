package colormeter

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
	"github.com/ztkent/color-meter/internal/tools"
	"github.com/ztkent/color-meter/tcs3430"
)

var errInvalidConfig = errors.New("invalid")

// SensorConfig is the register level configuration exposed over HTTP.
type SensorConfig struct {
	Address           string  `json:"address"`
	PoweredOn         bool    `json:"poweredOn"`
	ALSEnabled        bool    `json:"alsEnabled"`
	Gain              string  `json:"gain"`
	IntegrationCycles uint8   `json:"integrationCycles"`
	IntegrationMS     float64 `json:"integrationMs"`
	WaitEnabled       bool    `json:"waitEnabled"`
	WaitMS            float64 `json:"waitMs"`
	WaitLong          bool    `json:"waitLong"`
	ThresholdLow      uint16  `json:"thresholdLow"`
	ThresholdHigh     uint16  `json:"thresholdHigh"`
	Persistence       string  `json:"persistence"`
	PersistenceCode   uint8   `json:"persistenceCode"`
	Saturated         bool    `json:"saturated"`
	Interrupt         bool    `json:"interrupt"`
}

// Serve the sqlite db for download
func (m *Meter) ServeResultsDB(dbPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", DB_PATH))
		w.Header().Set("Content-Type", "application/octet-stream")
		http.ServeFile(w, r, dbPath)
	}
}

// Serve the homepage
func (m *Meter) ServeDashboard() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileContent, err := templateFiles.ReadFile("html/dashboard.html")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		w.Write(fileContent)
	}
}

// Serve the controls for the sensor, start/stop/export/current-conditions/config
func (m *Meter) ServeControls() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tmpl, err := parseTemplateFile("html/controls.gohtml")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := tmpl.Execute(w, nil); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}

// Status of the sensor
func (m *Meter) ServeSensorStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tmpl, err := parseTemplateFile("html/status.gohtml")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		type Status struct {
			Connected bool
			Enabled   bool
		}
		status := Status{
			Connected: m.Sensor != nil,
			Enabled:   m.Running(),
		}
		if err := tmpl.Execute(w, status); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}

// ReadSensorConfig reads the current register configuration from the sensor.
func (m *Meter) ReadSensorConfig() (SensorConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Sensor == nil {
		return SensorConfig{}, errNotConnected
	}

	s := m.Sensor
	cfg := SensorConfig{Address: fmt.Sprintf("0x%02X", s.Address())}
	var err error
	if cfg.PoweredOn, err = s.IsPoweredOn(); err != nil {
		return cfg, err
	}
	if cfg.ALSEnabled, err = s.IsALSEnabled(); err != nil {
		return cfg, err
	}
	gain, err := s.Gain()
	if err != nil {
		return cfg, err
	}
	cfg.Gain = gain.String()
	if cfg.IntegrationCycles, err = s.IntegrationCycles(); err != nil {
		return cfg, err
	}
	cfg.IntegrationMS = tcs3430.TimeForCycles(cfg.IntegrationCycles)
	if cfg.WaitEnabled, err = s.IsWaitEnabled(); err != nil {
		return cfg, err
	}
	if cfg.WaitMS, err = s.WaitTime(); err != nil {
		return cfg, err
	}
	if cfg.WaitLong, err = s.WaitLong(); err != nil {
		return cfg, err
	}
	if cfg.ThresholdLow, err = s.ALSThresholdLow(); err != nil {
		return cfg, err
	}
	if cfg.ThresholdHigh, err = s.ALSThresholdHigh(); err != nil {
		return cfg, err
	}
	pers, err := s.InterruptPersistence()
	if err != nil {
		return cfg, err
	}
	cfg.Persistence, cfg.PersistenceCode = pers.String(), uint8(pers)
	if cfg.Saturated, err = s.IsALSSaturated(); err != nil {
		return cfg, err
	}
	if cfg.Interrupt, err = s.IsALSInterrupt(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Serve the sensor configuration as JSON on the API, or as the config panel
func (m *Meter) ServeSensorConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := m.ReadSensorConfig()
		if errors.Is(err, errNotConnected) {
			ServeResponse(w, r, err.Error(), http.StatusBadRequest)
			return
		} else if err != nil {
			m.logger().Errorf("Failed to read sensor config: %v", err)
			ServeResponse(w, r, err.Error(), http.StatusInternalServerError)
			return
		}

		if strings.Contains(r.URL.Path, "/api/v1/") {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(cfg)
			return
		}
		tmpl, err := parseTemplateFile("html/config.gohtml")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := tmpl.Execute(w, cfg); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}

// ApplySensorConfig writes every setting present in form to the sensor.
// Settings are applied in a fixed order and the first failure stops the rest.
func (m *Meter) ApplySensorConfig(form map[string][]string) error {
	get := func(key string) (string, bool) {
		v := strings.TrimSpace(first(form[key]))
		return v, v != ""
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Sensor == nil {
		return errNotConnected
	}
	s := m.Sensor

	if v, ok := get("gain"); ok {
		gain, valid := tcs3430.ParseGain(strings.ToLower(v))
		if !valid {
			return fmt.Errorf("%w gain %q", errInvalidConfig, v)
		}
		if err := s.SetGain(gain); err != nil {
			return err
		}
	}
	if v, ok := get("integration_ms"); ok {
		ms, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w integration_ms %q", errInvalidConfig, v)
		}
		if err := s.SetIntegrationTime(ms); err != nil {
			return err
		}
	}
	if v, ok := get("wait_ms"); ok {
		ms, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w wait_ms %q", errInvalidConfig, v)
		}
		if err := s.SetWaitTime(ms); err != nil {
			return err
		}
	}
	for _, flag := range []struct {
		key string
		set func(bool) error
	}{
		{"wait_enable", s.WaitEnable},
		{"wait_long", s.SetWaitLong},
		{"als_interrupt", s.EnableALSInterrupt},
		{"saturation_interrupt", s.EnableSaturationInterrupt},
	} {
		if v, ok := get(flag.key); ok {
			on, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%w %s %q", errInvalidConfig, flag.key, v)
			}
			if err := flag.set(on); err != nil {
				return err
			}
		}
	}
	for _, threshold := range []struct {
		key string
		set func(uint16) error
	}{
		{"threshold_low", s.SetALSThresholdLow},
		{"threshold_high", s.SetALSThresholdHigh},
	} {
		if v, ok := get(threshold.key); ok {
			n, err := strconv.ParseUint(v, 0, 16)
			if err != nil {
				return fmt.Errorf("%w %s %q", errInvalidConfig, threshold.key, v)
			}
			if err := threshold.set(uint16(n)); err != nil {
				return err
			}
		}
	}
	if v, ok := get("persistence"); ok {
		n, err := strconv.ParseUint(v, 0, 8)
		if err != nil || n > uint64(tcs3430.Pers60) {
			return fmt.Errorf("%w persistence %q", errInvalidConfig, v)
		}
		if err := s.SetInterruptPersistence(tcs3430.Persistence(n)); err != nil {
			return err
		}
	}
	if _, ok := get("clear_interrupt"); ok {
		if err := s.ClearALSInterrupt(); err != nil {
			return err
		}
	}
	return nil
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Update the sensor configuration from a posted form
func (m *Meter) UpdateSensorConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			ServeResponse(w, r, err.Error(), http.StatusBadRequest)
			return
		}
		err := m.ApplySensorConfig(r.PostForm)
		var partial *tcs3430.PartialWriteError
		switch {
		case err == nil:
			ServeResponse(w, r, "Sensor configuration updated", http.StatusOK)
		case errors.As(err, &partial):
			m.logger().Errorf("Sensor left partially configured: %v", err)
			ServeResponse(w, r, err.Error(), http.StatusInternalServerError)
		case errors.Is(err, errNotConnected):
			ServeResponse(w, r, err.Error(), http.StatusBadRequest)
		case errors.Is(err, errInvalidConfig):
			ServeResponse(w, r, err.Error(), http.StatusBadRequest)
		default:
			m.logger().Errorf("Failed to update sensor config: %v", err)
			ServeResponse(w, r, err.Error(), http.StatusInternalServerError)
		}
	}
}

// Serve the results graph
func (m *Meter) ServeResultsGraph() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Get the date range for the graph from the request
		startDate, endDate := tools.ParseStartAndEndDate(r, m.Timezone)

		rows, err := m.ResultsDB.Query("SELECT x, y, z, created_at FROM color WHERE created_at BETWEEN ? AND ? ORDER BY created_at", startDate, endDate)
		if err != nil {
			m.logger().Error(err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer rows.Close()

		var xValues, yValues, zValues []opts.LineData
		var timeValues []string
		for rows.Next() {
			var x, y, z int
			var createdAt time.Time
			if err := rows.Scan(&x, &y, &z, &createdAt); err != nil {
				m.logger().Error(err)
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			xValues = append(xValues, opts.LineData{Value: x})
			yValues = append(yValues, opts.LineData{Value: y})
			zValues = append(zValues, opts.LineData{Value: z})
			timeValues = append(timeValues, createdAt.In(m.location()).Format(tools.LayoutDB))
		}
		if err := rows.Err(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		line := charts.NewLine()
		line.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{
				Theme: types.ThemeChalk,
			}),
			charts.WithXAxisOpts(opts.XAxis{
				Name: "Time",
			}),
			charts.WithYAxisOpts(opts.YAxis{
				Name: "Counts",
				Min:  "0",
				Max:  "65535",
			}),
			charts.WithTooltipOpts(opts.Tooltip{
				Show:      true,
				Trigger:   "axis",
				TriggerOn: "mousemove",
			}),
			charts.WithToolboxOpts(opts.Toolbox{
				Show: true,
				Feature: &opts.ToolBoxFeature{
					SaveAsImage: &opts.ToolBoxFeatureSaveAsImage{
						Show:  true,
						Title: "Save as Image",
						Name:  "color-meter",
					},
				},
			}),
		)
		line.SetXAxis(timeValues).
			AddSeries("X", xValues, charts.WithLineChartOpts(opts.LineChart{Color: "IndianRed"})).
			AddSeries("Y", yValues, charts.WithLineChartOpts(opts.LineChart{Color: "MediumSeaGreen"})).
			AddSeries("Z", zValues, charts.WithLineChartOpts(opts.LineChart{Color: "RoyalBlue"}))

		page := components.NewPage()
		page.AddCharts(line)

		w.Header().Set("Content-Type", "text/html")
		page.Render(w)
		// Trigger an update for the results tab
		w.Write([]byte(`<div id='resultUpdateTrigger' hx-post='/colormeter/results' hx-target='#resultsContent' hx-trigger='load'></div>`))
		w.Write([]byte(`<script>document.title = "Color Meter";</script>`))
	}
}

func (m *Meter) location() *time.Location {
	if m.Timezone == nil {
		return time.Local
	}
	return m.Timezone
}

// Update the info in the results tab
func (m *Meter) ServeResultsTab() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conditions, err := m.getCurrentConditions()
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		startDate, endDate := tools.ParseStartAndEndDate(r, m.Timezone)
		conditions, err = m.getHistoricalConditions(conditions, startDate, endDate)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		tmpl, err := parseTemplateFile("html/results.gohtml")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		type ConditionsForDisplay struct {
			Conditions
			StartDate string
			EndDate   string
		}
		err = tmpl.Execute(w, ConditionsForDisplay{
			Conditions: conditions,
			StartDate:  startDate,
			EndDate:    endDate,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}

// Summarise the readings recorded between startDate and endDate
func (m *Meter) getHistoricalConditions(conditions Conditions, startDate string, endDate string) (Conditions, error) {
	if m.ResultsDB == nil {
		return conditions, nil
	}
	conditions.DateRange = fmt.Sprintf("%s - %s UTC", startDate, endDate)

	row := m.ResultsDB.QueryRow(`
    SELECT
        COUNT(*),
        COALESCE(SUM(saturated), 0),
        COALESCE(AVG(x), 0),
        COALESCE(AVG(y), 0),
        COALESCE(AVG(z), 0),
        COALESCE(MIN(created_at), '0001-01-01 00:00:00'),
        COALESCE(MAX(created_at), '0001-01-01 00:00:00')
    FROM color
    WHERE created_at BETWEEN ? AND ?`, startDate, endDate)
	var oldest, mostRecent sql.NullString
	err := row.Scan(
		&conditions.ReadingsInRange,
		&conditions.SaturatedInRange,
		&conditions.AverageXInRange,
		&conditions.AverageYInRange,
		&conditions.AverageZInRange,
		&oldest, &mostRecent,
	)
	if err != nil {
		return conditions, err
	}
	if conditions.ReadingsInRange == 0 || !oldest.Valid || !mostRecent.Valid {
		return conditions, nil
	}

	start, end, err := tools.StartAndEndDateToTime(normalizeTimestamp(oldest.String), normalizeTimestamp(mostRecent.String))
	if err != nil {
		return conditions, err
	}
	conditions.RecordedHoursInRange = end.Sub(start).Hours()
	return conditions, nil
}

// sqlite hands back MIN/MAX of a DATETIME column as text, sometimes in RFC 3339
// form depending on how the row was written.
func normalizeTimestamp(v string) string {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC().Format(tools.LayoutDB)
	}
	return v
}

// Used to clear a div with htmx
func (m *Meter) Clear() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
	}
}
