package api

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ongoingai/ragmetrics/internal/metric"
)

type HealthOptions struct {
	Version       string
	StartedAt     time.Time
	StorageDriver string
	StoragePath   string
	Store         metric.Store
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSec     int64  `json:"uptime_sec"`
	StorageDriver string `json:"storage_driver"`
	RecordCount   int64  `json:"record_count"`
	DBSizeBytes   int64  `json:"db_size_bytes,omitempty"`
}

func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		status := "ok"
		recordCount := int64(0)
		if options.Store != nil {
			count, err := options.Store.Count(r.Context())
			if err != nil {
				status = "degraded"
			} else {
				recordCount = count
			}
		}

		writeJSON(w, http.StatusOK, healthResponse{
			Status:        status,
			Version:       options.Version,
			UptimeSec:     int64(time.Since(options.StartedAt).Seconds()),
			StorageDriver: options.StorageDriver,
			RecordCount:   recordCount,
			DBSizeBytes:   sqliteFileSize(options.StorageDriver, options.StoragePath),
		})
	})
}

// sqliteFileSize sums the database file and its write-ahead log; other
// drivers report 0.
func sqliteFileSize(driver, path string) int64 {
	if !strings.EqualFold(strings.TrimSpace(driver), "sqlite") || strings.TrimSpace(path) == "" {
		return 0
	}
	var total int64
	for _, name := range []string{path, path + "-wal"} {
		if info, err := os.Stat(name); err == nil {
			total += info.Size()
		}
	}
	return total
}
