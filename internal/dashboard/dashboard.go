// Package dashboard serves the monitoring views: aggregate task statistics and recent task history.
package dashboard

import (
	"context"
	"net/http"
	"time"

	"github.com/nadmax/clawops/internal/cache"
	"github.com/nadmax/clawops/internal/httputil"
	"github.com/nadmax/clawops/internal/queue"
	"github.com/nadmax/clawops/internal/task"
	"github.com/rs/zerolog/log"
)

const (
	StatsTTL      = 2 * time.Second
	HistoryWindow = 24 * time.Hour
)

var statsKey = map[string]string{"view": "dashboard_stats"}

type Dashboard struct {
	queue *queue.Queue
	cache *cache.Cache
	now   func() time.Time
}

type Stats struct {
	TotalTasks        int            `json:"total_tasks"`
	PendingTasks      int            `json:"pending_tasks"`
	RunningTasks      int            `json:"running_tasks"`
	CompletedTasks    int            `json:"completed_tasks"`
	FailedTasks       int            `json:"failed_tasks"`
	TasksByType       map[string]int `json:"tasks_by_type"`
	AverageTurnaround string         `json:"average_turnaround"`
	LastUpdated       time.Time      `json:"last_updated"`
}

type TaskHistory struct {
	TaskID     string          `json:"task_id"`
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	Status     task.TaskStatus `json:"status"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Duration   string          `json:"duration"`
}

// NewDashboard builds the views over q. When c is non-nil the stats view is
// memoized through it for StatsTTL.
func NewDashboard(q *queue.Queue, c *cache.Cache) *Dashboard {
	return &Dashboard{queue: q, cache: c, now: time.Now}
}

func (d *Dashboard) computeStats() Stats {
	tasks := d.queue.GetAllTasks()

	var counts task.StatusCounts
	stats := Stats{
		TasksByType: make(map[string]int),
		LastUpdated: d.now(),
	}

	var turnaround time.Duration
	finished := 0

	for _, t := range tasks {
		counts.Add(t.Status)
		stats.TasksByType[t.Type]++

		if t.Status.IsTerminal() {
			turnaround += t.UpdatedAt.Sub(t.CreatedAt)
			finished++
		}
	}

	stats.TotalTasks = counts.Total
	stats.PendingTasks = counts.Pending
	stats.RunningTasks = counts.Running
	stats.CompletedTasks = counts.Completed
	stats.FailedTasks = counts.Failed

	if finished > 0 {
		avg := turnaround / time.Duration(finished)
		stats.AverageTurnaround = avg.Round(time.Millisecond).String()
	} else {
		stats.AverageTurnaround = "N/A"
	}

	return stats
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	var stats Stats
	if d.cache != nil && d.cache.GetJSON(statsKey, &stats) {
		httputil.WriteJSON(w, stats, http.StatusOK)
		return
	}

	d.reload(r.Context())
	stats = d.computeStats()
	if d.cache != nil {
		_ = d.cache.Set(statsKey, stats, StatsTTL)
	}

	httputil.WriteJSON(w, stats, http.StatusOK)
}

// GetRecentTasks lists tasks that finished within HistoryWindow, newest first.
func (d *Dashboard) GetRecentTasks(w http.ResponseWriter, r *http.Request) {
	d.reload(r.Context())
	tasks := d.queue.GetAllTasks()

	cutoff := d.now().Add(-HistoryWindow)
	history := []TaskHistory{}

	for i := len(tasks) - 1; i >= 0; i-- {
		t := tasks[i]
		if !t.Status.IsTerminal() || t.UpdatedAt.Before(cutoff) {
			continue
		}

		history = append(history, TaskHistory{
			TaskID:     t.ID,
			Name:       t.Name,
			Type:       t.Type,
			Status:     t.Status,
			Error:      t.Error,
			CreatedAt:  t.CreatedAt,
			FinishedAt: t.UpdatedAt,
			Duration:   t.UpdatedAt.Sub(t.CreatedAt).Round(time.Millisecond).String(),
		})
	}

	httputil.WriteJSON(w, history, http.StatusOK)
}

func (d *Dashboard) reload(ctx context.Context) {
	if err := d.queue.Reload(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to reload task store for dashboard")
	}
}
