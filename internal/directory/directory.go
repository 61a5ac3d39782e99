// Package directory resolves PBX extensions to users and queue names to
// queues with their business-hours configuration. The data comes from a
// YAML file that can be reloaded at runtime.
package directory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/flowpbx/calltrack/internal/worktime"
)

// Queue is a contact-centre queue.
type Queue struct {
	ID       string           `yaml:"id"`
	Name     string           `yaml:"name"`
	Worktime *worktime.Config `yaml:"worktime"`
}

// User is an agent reachable on one extension.
type User struct {
	ID        string `yaml:"id"`
	Extension string `yaml:"extension"`
}

// file is the on-disk layout.
type file struct {
	Queues []Queue `yaml:"queues"`
	Users  []User  `yaml:"users"`
}

// Directory is an in-memory lookup table safe for concurrent use.
type Directory struct {
	path string

	mu          sync.RWMutex
	byExtension map[string]string
	byName      map[string]*Queue
	byID        map[string]*Queue
}

// New returns an empty directory. Every lookup misses.
func New() *Directory {
	d := &Directory{}
	d.set(&file{})
	return d
}

// Load reads the directory from path. An empty path yields an empty
// directory.
func Load(path string) (*Directory, error) {
	d := &Directory{path: path}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload re-reads the file given to Load. On error the current contents are
// kept.
func (d *Directory) Reload() error {
	if d.path == "" {
		d.set(&file{})
		return nil
	}
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("reading directory: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing directory: %w", err)
	}
	if err := f.validate(); err != nil {
		return err
	}

	d.set(&f)
	return nil
}

func (f *file) validate() error {
	ids := make(map[string]bool)
	for i, q := range f.Queues {
		if q.ID == "" {
			return fmt.Errorf("queues[%d].id is required", i)
		}
		if q.Name == "" {
			return fmt.Errorf("queues[%d].name is required", i)
		}
		if ids[q.ID] {
			return fmt.Errorf("queues[%d]: duplicate id %q", i, q.ID)
		}
		ids[q.ID] = true
		if err := q.Worktime.Validate(); err != nil {
			return fmt.Errorf("queues[%d].worktime: %w", i, err)
		}
	}
	exts := make(map[string]bool)
	for i, u := range f.Users {
		if u.ID == "" {
			return fmt.Errorf("users[%d].id is required", i)
		}
		if u.Extension == "" {
			return fmt.Errorf("users[%d].extension is required", i)
		}
		if exts[u.Extension] {
			return fmt.Errorf("users[%d]: duplicate extension %q", i, u.Extension)
		}
		exts[u.Extension] = true
	}
	return nil
}

func (d *Directory) set(f *file) {
	byExtension := make(map[string]string, len(f.Users))
	for _, u := range f.Users {
		byExtension[u.Extension] = u.ID
	}
	byName := make(map[string]*Queue, len(f.Queues))
	byID := make(map[string]*Queue, len(f.Queues))
	for i := range f.Queues {
		q := &f.Queues[i]
		byName[strings.ToLower(q.Name)] = q
		byID[q.ID] = q
	}

	d.mu.Lock()
	d.byExtension = byExtension
	d.byName = byName
	d.byID = byID
	d.mu.Unlock()
}

// ResolveExtension returns the user id for an extension, or "" when unknown.
func (d *Directory) ResolveExtension(_ context.Context, extension string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.byExtension[strings.TrimSpace(extension)], nil
}

// ResolveQueue returns the queue with the given name, ignoring case. It
// returns nil when the name is unknown.
func (d *Directory) ResolveQueue(_ context.Context, name string) (*Queue, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.byName[strings.ToLower(strings.TrimSpace(name))], nil
}

// QueueByID returns the queue with the given id, or nil.
func (d *Directory) QueueByID(_ context.Context, id string) (*Queue, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.byID[id], nil
}

// Len returns the number of queues and users loaded.
func (d *Directory) Len() (queues, users int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID), len(d.byExtension)
}
