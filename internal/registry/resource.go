package registry

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/nadmax/clawops/internal/task"
)

const StatusAvailable = "available"

// Resource serializes flat: the fixed keys next to every extra field.
type Resource struct {
	ID        string
	Type      string
	Name      string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
	Fields    map[string]any
}

var reservedKeys = map[string]bool{
	"id":         true,
	"type":       true,
	"name":       true,
	"status":     true,
	"created_at": true,
	"updated_at": true,
}

// StringField returns a string-valued extra field, or "".
func (r *Resource) StringField(key string) string {
	s, _ := r.Fields[key].(string)
	return s
}

func (r *Resource) Clone() *Resource {
	clone := *r
	clone.Fields = maps.Clone(r.Fields)
	return &clone
}

// merge applies extra fields; a "status" field replaces the status.
func (r *Resource) merge(fields map[string]any) {
	for k, v := range fields {
		if k == "status" {
			if s, ok := v.(string); ok && s != "" {
				r.Status = s
			}
			continue
		}
		if reservedKeys[k] {
			continue
		}
		if r.Fields == nil {
			r.Fields = make(map[string]any)
		}
		r.Fields[k] = v
	}
}

func (r *Resource) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Fields)+6)
	for k, v := range r.Fields {
		m[k] = v
	}
	m["id"] = r.ID
	m["type"] = r.Type
	m["name"] = r.Name
	m["status"] = r.Status
	m["created_at"] = task.UnixSeconds(r.CreatedAt)
	if !r.UpdatedAt.IsZero() {
		m["updated_at"] = task.UnixSeconds(r.UpdatedAt)
	}

	return json.Marshal(m)
}

func (r *Resource) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	// the document key wins over a missing or stale id
	id, _ := m["id"].(string)
	*r = Resource{ID: id}
	r.Type, _ = m["type"].(string)
	r.Name, _ = m["name"].(string)
	r.Status, _ = m["status"].(string)
	if r.Type == "" {
		r.Type = "unknown"
	}
	if ts, ok := m["created_at"].(float64); ok {
		r.CreatedAt = task.FromUnixSeconds(ts)
	}
	if ts, ok := m["updated_at"].(float64); ok {
		r.UpdatedAt = task.FromUnixSeconds(ts)
	}

	for k, v := range m {
		if reservedKeys[k] {
			continue
		}
		if r.Fields == nil {
			r.Fields = make(map[string]any)
		}
		r.Fields[k] = v
	}

	return nil
}
