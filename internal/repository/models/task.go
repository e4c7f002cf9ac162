// Package models contains data structures returned by the task repository layer.
package models

type TaskStats struct {
	Type               string  `json:"task_type"`
	Status             string  `json:"status"`
	Count              int     `json:"count"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
	MaxPriority        int     `json:"max_priority"`
	MinPriority        int     `json:"min_priority"`
}
