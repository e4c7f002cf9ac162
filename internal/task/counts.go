package task

// StatusCounts is the aggregate returned by a full pass over the task map.
type StatusCounts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Add classifies one status. Unknown statuses only count towards Total.
func (c *StatusCounts) Add(s TaskStatus) {
	c.Total++
	switch s.Normalize() {
	case StatusPending:
		c.Pending++
	case StatusRunning:
		c.Running++
	case StatusCompleted:
		c.Completed++
	case StatusFailed:
		c.Failed++
	}
}
