package tools

import (
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	layoutInput = "2006-01-02T15:04"
	LayoutDB    = "2006-01-02 15:04:05"
)

// Prevent out-of-network requests to sensor endpoints
func CheckInNetwork(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}
		parsedIP := net.ParseIP(ip)
		if parsedIP == nil {
			http.Error(w, "Invalid IP address", http.StatusBadRequest)
			return
		}
		if !isLocalAddress(parsedIP) {
			http.Error(w, "Access denied", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isLocalAddress(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate()
}

// Get the start and end dates from the request, format them for comparison with the DB.
// Form values are read in loc; without them the last 8 hours are used.
func ParseStartAndEndDate(r *http.Request, loc *time.Location) (string, string) {
	r.ParseForm()
	startDate := r.FormValue("start")
	endDate := r.FormValue("end")
	if loc == nil {
		loc = time.Local
	}
	if startDate == "" || endDate == "" {
		startDate = time.Now().UTC().Add(-8 * time.Hour).Format(LayoutDB)
		endDate = time.Now().UTC().Format(LayoutDB)
		return startDate, endDate
	}

	t, err := time.ParseInLocation(layoutInput, startDate, loc)
	if err != nil {
		logrus.Warnf("Error parsing start date: %v", err)
	} else {
		startDate = t.UTC().Format(LayoutDB)
	}

	t, err = time.ParseInLocation(layoutInput, endDate, loc)
	if err != nil {
		logrus.Warnf("Error parsing end date: %v", err)
	} else {
		endDate = t.UTC().Format(LayoutDB)
	}
	return startDate, endDate
}

func StartAndEndDateToTime(startDate string, endDate string) (time.Time, time.Time, error) {
	start, err := time.Parse(LayoutDB, startDate)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := time.Parse(LayoutDB, endDate)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}
