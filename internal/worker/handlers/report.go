// Package handlers provides task handlers for the worker.
// Each handler implements the work behind one task type and is registered
// with the worker under that type.
package handlers

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/nadmax/clawops/internal/repository"
	"github.com/nadmax/clawops/internal/task"
	"github.com/rs/zerolog/log"
)

const (
	TaskTypeGenerateReport = "generate_report"
	DefaultReportDir       = "reports"

	failureReasonLength = 100
	failureRowLimit     = 50
)

type ReportPayload struct {
	ReportType string `json:"report_type"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
	Format     string `json:"format"`
	OutputPath string `json:"output_path"`
}

type ReportGenerator struct {
	repo      repository.TaskRepository
	outputDir string
	now       func() time.Time
}

func NewReportGenerator(repo repository.TaskRepository, outputDir string) *ReportGenerator {
	if outputDir == "" {
		outputDir = DefaultReportDir
	}
	return &ReportGenerator{repo: repo, outputDir: outputDir, now: time.Now}
}

// GenerateReportHandler writes the requested report and returns its path.
func (rg *ReportGenerator) GenerateReportHandler(ctx context.Context, t *task.Task) (any, error) {
	payload, err := parsePayload(t.Extra, rg.outputDir)
	if err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	startTime, endTime, err := parseTimeRange(payload, rg.now())
	if err != nil {
		return nil, fmt.Errorf("invalid time range: %w", err)
	}

	var data [][]string
	switch payload.ReportType {
	case "task_summary":
		data, err = rg.generateTaskSummary(ctx, startTime, endTime)
	case "failure_analysis":
		data, err = rg.generateFailureAnalysis(ctx, startTime, endTime)
	case "status_breakdown":
		data, err = rg.generateStatusBreakdown(ctx)
	default:
		return nil, fmt.Errorf("unsupported report type: %s (available: task_summary, failure_analysis, status_breakdown)", payload.ReportType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate report: %w", err)
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	outputFile, err := saveReport(payload, t.ID, rg.now(), data)
	if err != nil {
		return nil, fmt.Errorf("failed to save report: %w", err)
	}

	log.Info().
		Str("task_id", t.ID).
		Str("report_type", payload.ReportType).
		Str("path", outputFile).
		Int("rows", len(data)-1).
		Msg("report generated")

	return outputFile, nil
}

func parsePayload(extra map[string]any, defaultDir string) (*ReportPayload, error) {
	data, err := json.Marshal(extra)
	if err != nil {
		return nil, err
	}

	var rp ReportPayload
	if err := json.Unmarshal(data, &rp); err != nil {
		return nil, err
	}

	if rp.ReportType == "" {
		return nil, errors.New("missing required field: report_type")
	}
	if rp.OutputPath == "" {
		rp.OutputPath = defaultDir
	}
	if rp.Format == "" {
		rp.Format = "csv"
	}

	return &rp, nil
}

func parseTimeRange(payload *ReportPayload, now time.Time) (time.Time, time.Time, error) {
	startTime := now.Add(-24 * time.Hour)
	endTime := now

	if payload.StartTime != "" {
		t, err := time.Parse(time.RFC3339, payload.StartTime)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start_time format: %w", err)
		}
		startTime = t
	}

	if payload.EndTime != "" {
		t, err := time.Parse(time.RFC3339, payload.EndTime)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end_time format: %w", err)
		}
		endTime = t
	}

	if endTime.Before(startTime) {
		return time.Time{}, time.Time{}, errors.New("end_time is before start_time")
	}

	return startTime, endTime, nil
}

func (rg *ReportGenerator) tasksBetween(ctx context.Context, filter repository.ListFilter, startTime, endTime time.Time) ([]*task.Task, error) {
	tasks, err := rg.repo.ListTasks(ctx, filter)
	if err != nil {
		return nil, err
	}

	out := tasks[:0]
	for _, t := range tasks {
		if t.CreatedAt.Before(startTime) || t.CreatedAt.After(endTime) {
			continue
		}
		out = append(out, t)
	}

	return out, nil
}

type typeSummary struct {
	total, pending, running, completed, failed int
	durationSum                                float64
	durationMax                                float64
	finished                                   int
}

func (rg *ReportGenerator) generateTaskSummary(ctx context.Context, startTime, endTime time.Time) ([][]string, error) {
	tasks, err := rg.tasksBetween(ctx, repository.ListFilter{}, startTime, endTime)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	byType := make(map[string]*typeSummary)
	for _, t := range tasks {
		s, ok := byType[t.Type]
		if !ok {
			s = &typeSummary{}
			byType[t.Type] = s
		}

		s.total++
		switch t.Status.Normalize() {
		case task.StatusPending:
			s.pending++
		case task.StatusRunning:
			s.running++
		case task.StatusCompleted:
			s.completed++
		case task.StatusFailed:
			s.failed++
		}

		if t.Status.IsTerminal() {
			d := t.UpdatedAt.Sub(t.CreatedAt).Seconds()
			s.durationSum += d
			s.durationMax = max(s.durationMax, d)
			s.finished++
		}
	}

	types := make([]string, 0, len(byType))
	for typ := range byType {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool {
		if byType[types[i]].total != byType[types[j]].total {
			return byType[types[i]].total > byType[types[j]].total
		}
		return types[i] < types[j]
	})

	data := [][]string{
		{"Task Type", "Total", "Pending", "Running", "Completed", "Failed", "Avg Duration (s)", "Max Duration (s)", "Success Rate (%)"},
	}
	for _, typ := range types {
		s := byType[typ]

		avg, rate := 0.0, 0.0
		if s.finished > 0 {
			avg = s.durationSum / float64(s.finished)
			rate = 100 * float64(s.completed) / float64(s.finished)
		}

		data = append(data, []string{
			typ,
			strconv.Itoa(s.total),
			strconv.Itoa(s.pending),
			strconv.Itoa(s.running),
			strconv.Itoa(s.completed),
			strconv.Itoa(s.failed),
			formatFloat(avg, 2),
			formatFloat(s.durationMax, 2),
			formatFloat(rate, 2),
		})
	}

	return data, nil
}

func (rg *ReportGenerator) generateFailureAnalysis(ctx context.Context, startTime, endTime time.Time) ([][]string, error) {
	tasks, err := rg.tasksBetween(ctx, repository.ListFilter{Status: task.StatusFailed}, startTime, endTime)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	type group struct {
		taskType, reason string
		occurrences      int
		last             time.Time
	}
	groups := make(map[[2]string]*group)
	for _, t := range tasks {
		reason := t.Error
		if reason == "" {
			reason = "unknown"
		}
		if len(reason) > failureReasonLength {
			reason = reason[:failureReasonLength]
		}

		k := [2]string{t.Type, reason}
		g, ok := groups[k]
		if !ok {
			g = &group{taskType: t.Type, reason: reason}
			groups[k] = g
		}
		g.occurrences++
		if t.UpdatedAt.After(g.last) {
			g.last = t.UpdatedAt
		}
	}

	ordered := make([]*group, 0, len(groups))
	for _, g := range groups {
		ordered = append(ordered, g)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].occurrences != ordered[j].occurrences {
			return ordered[i].occurrences > ordered[j].occurrences
		}
		if ordered[i].taskType != ordered[j].taskType {
			return ordered[i].taskType < ordered[j].taskType
		}
		return ordered[i].reason < ordered[j].reason
	})
	if len(ordered) > failureRowLimit {
		ordered = ordered[:failureRowLimit]
	}

	data := [][]string{
		{"Task Type", "Error", "Occurrences", "Last Occurrence"},
	}
	for _, g := range ordered {
		data = append(data, []string{
			g.taskType,
			g.reason,
			strconv.Itoa(g.occurrences),
			g.last.UTC().Format("2006-01-02 15:04:05"),
		})
	}

	return data, nil
}

func (rg *ReportGenerator) generateStatusBreakdown(ctx context.Context) ([][]string, error) {
	stats, err := rg.repo.GetTaskStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	data := [][]string{
		{"Task Type", "Status", "Count", "Avg Duration (s)", "Min Priority", "Max Priority"},
	}
	for _, s := range stats {
		data = append(data, []string{
			s.Type,
			s.Status,
			strconv.Itoa(s.Count),
			formatFloat(s.AvgDurationSeconds, 2),
			strconv.Itoa(s.MinPriority),
			strconv.Itoa(s.MaxPriority),
		})
	}

	return data, nil
}

func formatFloat(val float64, precision int) string {
	return strconv.FormatFloat(val, 'f', precision, 64)
}

func saveReport(payload *ReportPayload, taskID string, now time.Time, data [][]string) (string, error) {
	if err := os.MkdirAll(payload.OutputPath, 0o755); err != nil {
		return "", err
	}

	timestamp := now.Format("20060102_150405")
	filename := fmt.Sprintf("clawops_%s_%s_%s.%s", payload.ReportType, timestamp, taskID, payload.Format)
	fullPath := filepath.Join(payload.OutputPath, filename)

	switch payload.Format {
	case "csv":
		return fullPath, saveAsCSV(fullPath, data)
	case "json":
		return fullPath, saveAsJSON(fullPath, now, data)
	default:
		return "", fmt.Errorf("unsupported format: %s", payload.Format)
	}
}

func saveAsCSV(path string, data [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Str("path", path).Msg("failed to close report file")
		}
	}()

	writer := csv.NewWriter(file)
	if err := writer.WriteAll(data); err != nil {
		return err
	}

	return writer.Error()
}

func saveAsJSON(path string, now time.Time, data [][]string) error {
	if len(data) < 1 {
		return errors.New("insufficient data for JSON export")
	}

	headers := data[0]
	records := make([]map[string]string, 0, len(data)-1)
	for _, row := range data[1:] {
		record := make(map[string]string, len(headers))
		for i, header := range headers {
			if i < len(row) {
				record[header] = row[i]
			}
		}
		records = append(records, record)
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Str("path", path).Msg("failed to close report file")
		}
	}()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(map[string]any{
		"generated_at": now.Format(time.RFC3339),
		"data":         records,
		"total_rows":   len(records),
	})
}
