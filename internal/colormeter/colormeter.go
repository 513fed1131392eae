package colormeter

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/ztkent/color-meter/tcs3430"
)

//go:embed html/*
var templateFiles embed.FS

// Meter runs measurement jobs against one sensor. The driver does no locking
// of its own, so every sensor access goes through mu. Job state lives under
// jobMu, which is never held across a sensor access or a wait.
type Meter struct {
	Sensor         *tcs3430.TCS3430
	ResultsChan    chan ColorResults
	ResultsDB      *sql.DB
	Log            *logrus.Logger
	Pid            int
	RecordInterval time.Duration
	Timezone       *time.Location

	mu sync.Mutex

	jobMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	sleep func(time.Duration)
}

type ColorResults struct {
	X             uint16
	Y             uint16
	Z             uint16
	Gain          string
	IntegrationMS float64
	Saturated     bool
	JobID         string
}

type Conditions struct {
	JobID                string  `json:"jobID"`
	X                    int     `json:"x"`
	Y                    int     `json:"y"`
	Z                    int     `json:"z"`
	XNormalized          float64 `json:"xNormalized"`
	YNormalized          float64 `json:"yNormalized"`
	ZNormalized          float64 `json:"zNormalized"`
	Gain                 string  `json:"gain"`
	IntegrationMS        float64 `json:"integrationMs"`
	Saturated            bool    `json:"saturated"`
	DateRange            string  `json:"dateRange"`
	RecordedHoursInRange float64 `json:"recordedHoursInRange"`
	ReadingsInRange      int     `json:"readingsInRange"`
	SaturatedInRange     int     `json:"saturatedInRange"`
	AverageXInRange      float64 `json:"averageXInRange"`
	AverageYInRange      float64 `json:"averageYInRange"`
	AverageZInRange      float64 `json:"averageZInRange"`
}

const (
	MAX_JOB_DURATION = 8 * time.Hour
	RECORD_INTERVAL  = 30 * time.Second
	DB_PATH          = "colormeter.db"
)

var errNotConnected = errors.New("The sensor is not connected")

func (m *Meter) logger() *logrus.Logger {
	if m.Log == nil {
		return logrus.StandardLogger()
	}
	return m.Log
}

// wait blocks for d or until ctx is done, whichever comes first.
func (m *Meter) wait(ctx context.Context, d time.Duration) error {
	if m.sleep != nil {
		m.sleep(d)
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Running reports whether a measurement job is active.
func (m *Meter) Running() bool {
	m.jobMu.Lock()
	defer m.jobMu.Unlock()
	return m.running
}

// StartJob powers on the ALS and records a reading every RecordInterval
// until StopJob is called or MAX_JOB_DURATION passes.
func (m *Meter) StartJob() (string, error) {
	if m.Sensor == nil {
		return "", errNotConnected
	}
	m.jobMu.Lock()
	defer m.jobMu.Unlock()
	if m.running {
		return "", errors.New("The sensor is already started")
	}

	if err := m.enableALS(true); err != nil {
		return "", err
	}

	interval := m.RecordInterval
	if interval <= 0 {
		interval = RECORD_INTERVAL
	}
	ctx, cancel := context.WithTimeout(context.Background(), MAX_JOB_DURATION)
	jobID := uuid.New().String()
	m.cancel = cancel
	m.running = true
	m.done = make(chan struct{})
	go m.runJob(ctx, jobID, interval, m.done)
	return jobID, nil
}

// StopJob cancels the running job and waits for it to exit. The job disables
// the ALS on its way out.
func (m *Meter) StopJob() error {
	if m.Sensor == nil {
		return errNotConnected
	}
	m.jobMu.Lock()
	if !m.running {
		m.jobMu.Unlock()
		return errors.New("The sensor is already stopped")
	}
	cancel, done := m.cancel, m.done
	m.jobMu.Unlock()

	cancel()
	<-done
	return nil
}

func (m *Meter) enableALS(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on {
		if err := m.Sensor.PowerOn(true); err != nil {
			return fmt.Errorf("power on: %w", err)
		}
	}
	if err := m.Sensor.ALSEnable(on); err != nil {
		return fmt.Errorf("enable ALS: %w", err)
	}
	return nil
}

func (m *Meter) runJob(ctx context.Context, jobID string, interval time.Duration, done chan struct{}) {
	log := m.logger().WithField("job_id", jobID)
	defer func() {
		if err := m.enableALS(false); err != nil {
			log.Errorf("Failed to disable the sensor: %v", err)
		}
		m.jobMu.Lock()
		m.running = false
		m.cancel()
		m.jobMu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		result, err := m.readSample(jobID)
		if err != nil {
			log.Errorf("The sensor failed to read color data: %v", err)
		} else {
			if result.Saturated {
				log.Warn("The sensor is saturated, attempting to set new optimal gain")
				if err := m.SetOptimalGain(ctx); ctx.Err() != nil {
					log.Info("Job Cancelled, stopping sensor")
					return
				} else if err != nil {
					log.Errorf("The sensor failed to determine new optimal gain: %v", err)
				} else {
					log.Info("The sensor has been reconfigured with a new optimal gain")
				}
			}
			select {
			case m.ResultsChan <- result:
			case <-ctx.Done():
			}
		}

		select {
		case <-ctx.Done():
			log.Info("Job Cancelled, stopping sensor")
			return
		case <-ticker.C:
		}
	}
}

// readSample takes one burst reading plus the saturation flag, and clears the
// flag when it was set.
func (m *Meter) readSample(jobID string) (ColorResults, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := m.Sensor.Data()
	if err != nil {
		return ColorResults{}, err
	}
	saturated, err := m.Sensor.IsALSSaturated()
	if err != nil {
		return ColorResults{}, err
	}
	if saturated {
		if err := m.Sensor.ClearALSSaturated(); err != nil {
			return ColorResults{}, err
		}
	}
	gain, err := m.Sensor.Gain()
	if err != nil {
		return ColorResults{}, err
	}
	integration, err := m.Sensor.IntegrationTime()
	if err != nil {
		return ColorResults{}, err
	}
	return ColorResults{
		X:             data.X,
		Y:             data.Y,
		Z:             data.Z,
		Gain:          gain.String(),
		IntegrationMS: integration,
		Saturated:     saturated,
		JobID:         jobID,
	}, nil
}

// Ordered from least to most sensitive within each gain.
var (
	gainOptions        = []tcs3430.Gain{tcs3430.Gain1X, tcs3430.Gain4X, tcs3430.Gain16X, tcs3430.Gain64X, tcs3430.Gain128X}
	integrationOptions = []float64{711.68, 400, 200, 100, 50, 2.78}
)

// SetOptimalGain tries each gain from lowest to highest and each integration
// time from longest to shortest, keeping the first pair that produces an
// unsaturated, non-zero reading. The sensor lock is only held while a pair is
// applied or read back, and the search gives up as soon as ctx is done.
func (m *Meter) SetOptimalGain(ctx context.Context) error {
	if m.Sensor == nil {
		return errNotConnected
	}

	log := m.logger()
	leastGain, leastMS := gainOptions[0], integrationOptions[len(integrationOptions)-1]
search:
	for _, gain := range gainOptions {
		for _, ms := range integrationOptions {
			if err := ctx.Err(); err != nil {
				return err
			}
			log.Debugf("Attempting - Gain: %v, Integration Time: %.2fms", gain, ms)
			if err := m.applyGainAndTime(gain, ms); err != nil {
				return err
			}
			// Let one full cycle complete at the new settings.
			if err := m.wait(ctx, time.Duration(tcs3430.TimeForCycles(tcs3430.CyclesForTime(ms))*float64(time.Millisecond))); err != nil {
				return err
			}

			usable, saturated := m.checkReading()
			if usable {
				log.Debugf("Set - Gain: %v, Integration Time: %.2fms", gain, ms)
				return nil
			}
			// Nothing after the least sensitive pair can do better.
			if saturated && gain == leastGain && ms == leastMS {
				log.Debug("Saturated at the least sensitive setting")
				break search
			}
		}
	}

	// Use default options
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Sensor.SetGain(tcs3430.Gain1X); err != nil {
		return err
	}
	if err := m.Sensor.SetIntegrationTime(100); err != nil {
		return err
	}
	return errors.New("All gain options are saturated")
}

func (m *Meter) applyGainAndTime(gain tcs3430.Gain, ms float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Sensor.SetGain(gain); err != nil {
		return err
	}
	if err := m.Sensor.SetIntegrationTime(ms); err != nil {
		return err
	}
	return m.Sensor.ClearALSSaturated()
}

// checkReading reports whether the latest reading is usable, and whether it
// was saturated. A failed read is neither.
func (m *Meter) checkReading() (usable, saturated bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := m.Sensor.Data()
	if err != nil {
		return false, false
	}
	saturated, err = m.Sensor.IsALSSaturated()
	if err != nil {
		return false, false
	}
	if saturated {
		return false, true
	}
	return data.X != 0 || data.Y != 0 || data.Z != 0, false
}

// Start the sensor, and collect data in a loop
func (m *Meter) Start() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.logger().Info("Starting a new color measurement job")
		jobID, err := m.StartJob()
		if err != nil {
			ServeResponse(w, r, err.Error(), http.StatusBadRequest)
			return
		}
		ServeResponse(w, r, "Color Reading Started: "+jobID, http.StatusOK)
	}
}

// Stop the sensor, and cancel the job context
func (m *Meter) Stop() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := m.StopJob(); err != nil {
			ServeResponse(w, r, err.Error(), http.StatusBadRequest)
			return
		}
		ServeResponse(w, r, "Color Reading Stopped", http.StatusOK)
	}
}

// Serve data about the most recent entry saved to the db
func (m *Meter) CurrentConditions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.Sensor == nil {
			ServeResponse(w, r, errNotConnected.Error(), http.StatusBadRequest)
			return
		} else if !m.Running() {
			ServeResponse(w, r, "The sensor is not enabled", http.StatusBadRequest)
			return
		}
		conditions, err := m.getCurrentConditions()
		if err != nil {
			m.logger().Error(err)
			ServeResponse(w, r, err.Error(), http.StatusInternalServerError)
			return
		}

		conditionsData, err := json.Marshal(conditions)
		if err != nil {
			m.logger().Error(err)
			ServeResponse(w, r, err.Error(), http.StatusInternalServerError)
			return
		}
		ServeResponse(w, r, string(conditionsData), http.StatusOK)
	}
}

// Return the most recent entry saved to the db
func (m *Meter) getCurrentConditions() (Conditions, error) {
	conditions := Conditions{}
	if m.ResultsDB == nil {
		return conditions, nil
	}
	row := m.ResultsDB.QueryRow("SELECT job_id, x, y, z, x_normalized, y_normalized, z_normalized, gain, integration_ms, saturated FROM color ORDER BY id DESC LIMIT 1")
	err := row.Scan(
		&conditions.JobID,
		&conditions.X, &conditions.Y, &conditions.Z,
		&conditions.XNormalized, &conditions.YNormalized, &conditions.ZNormalized,
		&conditions.Gain, &conditions.IntegrationMS, &conditions.Saturated,
	)
	if err != nil {
		return Conditions{}, err
	}
	return conditions, nil
}

// Populate the response div with a message, or reply with a JSON message
func ServeResponse(w http.ResponseWriter, r *http.Request, message string, status int) {
	if strings.Contains(r.URL.Path, "/api/v1/") {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"message": message})
		return
	}

	tmpl, err := parseTemplateFile("html/response.gohtml")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(status)
	if err := tmpl.Execute(w, message); err != nil {
		logrus.Errorf("failed to render response: %v", err)
	}
}

func parseTemplateFile(path string) (*template.Template, error) {
	content, err := templateFiles.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded template: %w", err)
	}

	tmpl, err := template.New(path).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	return tmpl, nil
}

// Read from ResultsChan, write the results to sqlite
func (m *Meter) MonitorAndRecordResults(ctx context.Context) {
	m.logger().Info("Monitoring for new Color Messages...")
	for {
		select {
		case <-ctx.Done():
			return
		case result := <-m.ResultsChan:
			if err := m.recordResult(result); err != nil {
				m.logger().Error(err)
			}
		}
	}
}

func (m *Meter) recordResult(result ColorResults) error {
	m.logger().Infof("- JobID: %s, X: %d, Y: %d, Z: %d", result.JobID, result.X, result.Y, result.Z)
	_, err := m.ResultsDB.Exec(
		`INSERT INTO color (job_id, x, y, z, x_normalized, y_normalized, z_normalized, gain, integration_ms, saturated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.JobID,
		result.X, result.Y, result.Z,
		tcs3430.GetNormalizedOutput(result.X),
		tcs3430.GetNormalizedOutput(result.Y),
		tcs3430.GetNormalizedOutput(result.Z),
		result.Gain,
		result.IntegrationMS,
		result.Saturated,
	)
	return err
}
