package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/logger"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/ingestion"
	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

// LagReader reports how many change events a consumer group has not
// committed.
type LagReader interface {
	Lag(ctx context.Context, group string) (int64, error)
}

type MetricsHandler struct {
	db    *gorm.DB
	feed  LagReader
	group string
	now   func() time.Time
}

type OverviewMetrics struct {
	ByStatus         map[string]int64 `json:"by_status"`
	FeedLag          int64            `json:"feed_lag"`
	OldestQueuedAgeS float64          `json:"oldest_queued_age_seconds"`
}

func NewMetricsHandler(db *gorm.DB, feed LagReader, group string) *MetricsHandler {
	return &MetricsHandler{db: db, feed: feed, group: group, now: time.Now}
}

func (h *MetricsHandler) Register(r *mux.Router) {
	r.HandleFunc("/metrics/overview", h.handleOverview).Methods(http.MethodGet)
}

func (h *MetricsHandler) handleOverview(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.collectMetrics(r.Context())
	if err != nil {
		logger.Log.WithError(err).Error("failed to collect metrics")
		respondDetail(w, http.StatusInternalServerError, "failed to collect metrics")
		return
	}

	respondJSON(w, http.StatusOK, metrics)
}

func (h *MetricsHandler) collectMetrics(ctx context.Context) (OverviewMetrics, error) {
	metrics := OverviewMetrics{ByStatus: make(map[string]int64, len(ingestion.Statuses))}
	for _, s := range ingestion.Statuses {
		metrics.ByStatus[string(s)] = 0
	}

	var rows []struct {
		Status string `gorm:"column:status"`
		Count  int64  `gorm:"column:count"`
	}
	if err := h.db.WithContext(ctx).Raw(`
		SELECT status, COUNT(*) AS count
		FROM ingestions
		GROUP BY status
	`).Scan(&rows).Error; err != nil {
		return metrics, err
	}
	for _, row := range rows {
		metrics.ByStatus[row.Status] = row.Count
	}

	var oldest []ingestion.Record
	if err := h.db.WithContext(ctx).
		Where("status = ?", ingestion.StatusQueued).
		Order("created_at ASC").
		Limit(1).
		Find(&oldest).Error; err != nil {
		return metrics, err
	}
	if len(oldest) == 1 {
		metrics.OldestQueuedAgeS = h.now().Sub(oldest[0].CreatedAt).Seconds()
	}

	if h.feed != nil {
		lag, err := h.feed.Lag(ctx, h.group)
		if err != nil {
			return metrics, err
		}
		metrics.FeedLag = lag
	}

	return metrics, nil
}
