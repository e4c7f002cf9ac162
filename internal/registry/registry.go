// Package registry keeps typed, named resources in one JSON document with a
// per-type index and debounced writes.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/clawops/internal/metrics"
	"github.com/nadmax/clawops/internal/task"
	"github.com/rs/zerolog/log"
)

var ErrInvalidResource = errors.New("invalid resource")

const (
	DefaultPath         = "resource_registry.json"
	DefaultSaveInterval = 5 * time.Second
)

type Options struct {
	Path         string
	SaveInterval time.Duration
	Now          func() time.Time
}

type document struct {
	Resources  map[string]*Resource `json:"resources"`
	LastReport *Report              `json:"last_report,omitempty"`
}

// Registry is safe for concurrent use. Every id in a type bucket exists in
// resources; reads still skip ids that do not.
type Registry struct {
	mu         sync.Mutex
	path       string
	interval   time.Duration
	now        func() time.Time
	resources  map[string]*Resource
	byType     map[string][]string
	lastReport *Report

	dirty     bool
	lastWrite time.Time
	writes    int
}

// New loads the registry file. A missing or unreadable file yields an empty
// registry.
func New(opts Options) *Registry {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.SaveInterval <= 0 {
		opts.SaveInterval = DefaultSaveInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Registry{
		path:     opts.Path,
		interval: opts.SaveInterval,
		now:      opts.Now,
	}
	r.loadLocked()

	return r
}

func (r *Registry) loadLocked() {
	r.resources = make(map[string]*Resource)
	r.byType = make(map[string][]string)
	r.lastReport = nil

	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("path", r.path).Msg("failed to read registry, starting empty")
		return
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Warn().Err(err).Str("path", r.path).Msg("corrupt registry file, starting empty")
		return
	}

	for id, res := range doc.Resources {
		if res == nil {
			continue
		}
		res.ID = id
		r.resources[id] = res
	}
	r.lastReport = doc.LastReport
	r.rebuildIndexLocked()
}

func (r *Registry) rebuildIndexLocked() {
	ordered := make([]*Resource, 0, len(r.resources))
	for _, res := range r.resources {
		ordered = append(ordered, res)
	}
	sortResources(ordered)

	r.byType = make(map[string][]string)
	for _, res := range ordered {
		r.byType[res.Type] = append(r.byType[res.Type], res.ID)
	}
}

func sortResources(rs []*Resource) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.Before(rs[j].CreatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

// RegisterResource adds a resource, or updates the one already registered
// under the same type and name, and returns its id. The write goes through
// the debounced save path; a failed write is returned.
func (r *Registry) RegisterResource(resourceType, name string, fields map[string]any) (string, error) {
	if resourceType == "" || name == "" {
		return "", fmt.Errorf("%w: type and name are required", ErrInvalidResource)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if existing := r.findLocked(resourceType, name); existing != nil {
		existing.merge(fields)
		existing.UpdatedAt = now
		r.dirty = true
		log.Debug().Str("resource_id", existing.ID).Msg("resource updated")

		_, err := r.saveLocked(false)
		return existing.ID, err
	}

	res := &Resource{
		ID:        r.newIDLocked(resourceType, name, now),
		Type:      resourceType,
		Name:      name,
		Status:    StatusAvailable,
		CreatedAt: now,
	}
	res.merge(fields)

	r.resources[res.ID] = res
	r.byType[resourceType] = append(r.byType[resourceType], res.ID)
	r.dirty = true
	metrics.RecordResourceRegistered(resourceType)

	_, err := r.saveLocked(false)
	return res.ID, err
}

func (r *Registry) findLocked(resourceType, name string) *Resource {
	for _, id := range r.byType[resourceType] {
		if res, ok := r.resources[id]; ok && res.Name == name {
			return res
		}
	}
	return nil
}

// newIDLocked issues {type}_{name}_{epoch_seconds} with a numeric suffix if
// that id is already taken.
func (r *Registry) newIDLocked(resourceType, name string, now time.Time) string {
	base := fmt.Sprintf("%s_%s_%d", resourceType, name, now.Unix())
	id := base
	for n := 2; ; n++ {
		if _, taken := r.resources[id]; !taken {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, n)
	}
}

// GetResource filters by type and/or name; empty strings match everything.
// Results come back in registration order.
func (r *Registry) GetResource(resourceType, name string) []*Resource {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Resource
	switch {
	case resourceType != "":
		for _, id := range r.byType[resourceType] {
			res, ok := r.resources[id]
			if !ok {
				continue
			}
			if name != "" && res.Name != name {
				continue
			}
			out = append(out, res.Clone())
		}
		return out

	default:
		for _, res := range r.resources {
			if name != "" && res.Name != name {
				continue
			}
			out = append(out, res.Clone())
		}
	}

	sortResources(out)
	return out
}

// Lookup returns the resource registered under type and name.
func (r *Registry) Lookup(resourceType, name string) (*Resource, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := r.findLocked(resourceType, name)
	if res == nil {
		return nil, false
	}
	return res.Clone(), true
}

// Counts returns the number of resources per type.
func (r *Registry) Counts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.countsLocked()
}

func (r *Registry) countsLocked() map[string]int {
	counts := make(map[string]int, len(r.byType))
	for typ, ids := range r.byType {
		for _, id := range ids {
			if _, ok := r.resources[id]; ok {
				counts[typ]++
			}
		}
	}
	return counts
}

// SaveRegistry writes the document. Without force it only writes when there
// are unsaved changes and the save interval has passed since the last write.
// It reports whether a write happened.
func (r *Registry) SaveRegistry(force bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.saveLocked(force)
}

// Flush writes pending changes regardless of the save interval.
func (r *Registry) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.dirty {
		return nil
	}
	_, err := r.saveLocked(true)
	return err
}

func (r *Registry) saveLocked(force bool) (bool, error) {
	now := r.now()
	if !force {
		if !r.dirty {
			return false, nil
		}
		if !r.lastWrite.IsZero() && now.Sub(r.lastWrite) < r.interval {
			metrics.RecordRegistrySkippedSave()
			return false, nil
		}
	}

	if err := r.writeLocked(); err != nil {
		return false, err
	}

	r.dirty = false
	r.lastWrite = now
	r.writes++
	metrics.RecordRegistryWrite(force)

	return true, nil
}

func (r *Registry) writeLocked() error {
	data, err := json.MarshalIndent(document{
		Resources:  r.resources,
		LastReport: r.lastReport,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", r.path, err)
	}

	return nil
}

// Writes is the number of documents written since the registry was opened.
func (r *Registry) Writes() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.writes
}

func (r *Registry) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.dirty
}

// Reload flushes pending changes and re-reads the file, picking up writes
// from other processes.
func (r *Registry) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dirty {
		if _, err := r.saveLocked(true); err != nil {
			return err
		}
	}
	r.loadLocked()

	return nil
}

// LastReport returns the most recent stored status report, if any.
func (r *Registry) LastReport() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lastReport
}

// Report is the snapshot stored under "last_report".
type Report struct {
	ID             string         `json:"id"`
	Timestamp      float64        `json:"timestamp"`
	ResourceCounts map[string]int `json:"resource_counts"`
	Sections       map[string]any `json:"sections"`
}

// Collector contributes one named section to a status report.
type Collector interface {
	Collect(ctx context.Context) (any, error)
}

type CollectorFunc func(ctx context.Context) (any, error)

func (f CollectorFunc) Collect(ctx context.Context) (any, error) {
	return f(ctx)
}

// FullStatusReport gathers every collector's section, stores the report and
// writes the registry exactly once. A failing collector contributes an
// {"error": msg} section instead of aborting the report.
func (r *Registry) FullStatusReport(ctx context.Context, collectors map[string]Collector) (*Report, error) {
	sections := make(map[string]any, len(collectors))
	for name, c := range collectors {
		section, err := c.Collect(ctx)
		if err != nil {
			log.Warn().Err(err).Str("section", name).Msg("status collector failed")
			section = map[string]string{"error": err.Error()}
		}
		sections[name] = section
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	report := &Report{
		ID:             uuid.New().String(),
		Timestamp:      task.UnixSeconds(r.now()),
		ResourceCounts: r.countsLocked(),
		Sections:       sections,
	}

	prev := r.lastReport
	r.lastReport = report
	r.dirty = true

	if _, err := r.saveLocked(true); err != nil {
		r.lastReport = prev
		return nil, err
	}

	return report, nil
}
