package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	cm "github.com/ztkent/color-meter/internal/colormeter"
	"github.com/ztkent/color-meter/internal/tools"
	"github.com/ztkent/color-meter/tcs3430"
)

/*
	This is the primary entry point for the Color Meter application.
	It should be running at startup, on a Raspberry Pi, with the TCS3430 sensor connected.
*/

func main() {
	cfg, err := tools.LoadConfig()
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}
	l, err := tools.NewLogger(cfg.LogPath, cfg.LogLevel)
	if err != nil {
		logrus.Fatalf("Failed to setup logging: %v", err)
	}

	pid := os.Getpid()
	l.Info("ColorMeter [" + fmt.Sprintf("%d", pid) + "]")

	// connect to the color sensor
	device, err := tcs3430.Open(cfg.I2CBus, cfg.Address)
	if err != nil {
		l.Fatalf("Failed to connect to the TCS3430 sensor: %v", err)
	}
	defer device.Close()

	// connect to the sqlite database
	cmDB, err := tools.ConnectSqlite(cfg.DBPath)
	if err != nil {
		// Unlike connecting to the sensor, this should always work.
		l.Fatalf("Failed to connect to the sqlite database: %v", err)
	}
	defer cmDB.Close()

	meter := &cm.Meter{
		Sensor:         device,
		ResultsDB:      cmDB,
		ResultsChan:    make(chan cm.ColorResults),
		Log:            l,
		Pid:            pid,
		RecordInterval: cfg.RecordInterval,
		Timezone:       cfg.Timezone,
	}

	// Listen for any result messages from our jobs, record them in sqlite
	go meter.MonitorAndRecordResults(context.Background())

	r := NewRouter(meter, cfg.DBPath)
	addr := ":" + cfg.Port
	if cfg.SSL {
		// Generate a self-signed certificate if one doesn't exist
		if err := tools.EnsureCertificate(cfg.CertPath, cfg.KeyPath, cfg.CertHosts...); err != nil {
			l.Fatalf("Failed to prepare certificate: %v", err)
		}
		l.Infof("Starting HTTPS server on port %s", cfg.Port)
		err = http.ListenAndServeTLS(addr, cfg.CertPath, cfg.KeyPath, r)
		if err != nil {
			l.Fatalf("Failed to start HTTPS server: %v", err)
		}
	} else {
		l.Infof("Starting HTTP server on port %s", cfg.Port)
		err = http.ListenAndServe(addr, r)
		if err != nil {
			l.Fatalf("Failed to start HTTP server: %v", err)
		}
	}
}

func NewRouter(meter *cm.Meter, dbPath string) *chi.Mux {
	r := chi.NewRouter()
	// Log requests and recover from panics
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(handleServerPanic)

	// Color Meter Dashboard Controls
	r.Get("/", meter.ServeDashboard())
	r.Route("/colormeter", func(r chi.Router) {
		r.Get("/start", meter.Start())
		r.Get("/stop", meter.Stop())
		r.Get("/current-conditions", meter.CurrentConditions())
		r.Get("/export", meter.ServeResultsDB(dbPath))
		r.Post("/graph", meter.ServeResultsGraph())
		r.Get("/controls", meter.ServeControls())
		r.Get("/status", meter.ServeSensorStatus())
		r.Get("/config", meter.ServeSensorConfig())
		r.With(tools.CheckInNetwork).Post("/config", meter.UpdateSensorConfig())
		r.Post("/results", meter.ServeResultsTab())
		r.Get("/clear", meter.Clear())
	})

	// Color Meter API, these serve a JSON response
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/start", meter.Start())
		r.Get("/stop", meter.Stop())
		r.Get("/current-conditions", meter.CurrentConditions())
		r.Get("/config", meter.ServeSensorConfig())
		r.With(tools.CheckInNetwork).Post("/config", meter.UpdateSensorConfig())
		r.Get("/export", meter.ServeResultsDB(dbPath))
	})

	// Route for service identification
	r.Get("/id", func(w http.ResponseWriter, r *http.Request) {
		response := struct {
			ServiceName string `json:"service_name"`
		}{
			ServiceName: "Color Meter",
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(response)
	})
	return r
}

func handleServerPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logrus.Errorf("Recovered from panic: %v", err)
				cm.ServeResponse(w, r, fmt.Sprintf("%v", err), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
