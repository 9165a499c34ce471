package download

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// State is the lifecycle state of an in-flight download.
type State string

const (
	StateQueued      State = "queued"
	StateDownloading State = "downloading"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

// Item is the in-memory view of one download stream.
type Item struct {
	ID        string    `json:"id"`
	ModelName string    `json:"model_name"`
	ModelType string    `json:"model_type"`
	URL       string    `json:"url"`
	Progress  float64   `json:"progress"`
	State     State     `json:"state"`
	Path      string    `json:"path,omitempty"`
	Error     string    `json:"error,omitempty"`
	DBID      int64     `json:"db_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ItemRegistry provides thread-safe storage of download items.
// It is a pure state container with no download logic.
type ItemRegistry struct {
	mu        sync.RWMutex
	downloads map[string]*Item
}

// NewItemRegistry creates a new ItemRegistry with the specified initial capacity.
func NewItemRegistry(capacity int) *ItemRegistry {
	if capacity <= 0 {
		capacity = 128
	}
	return &ItemRegistry{
		downloads: make(map[string]*Item, capacity),
	}
}

// Create adds a new item for req and returns a copy of it.
// Returns an error if an item with the given ID already exists.
func (r *ItemRegistry) Create(id string, req Request) (*Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.downloads[id]; exists {
		return nil, fmt.Errorf("item with id %s already exists", id)
	}

	now := time.Now()
	it := &Item{
		ID:        id,
		ModelName: req.ModelName,
		ModelType: req.ModelType,
		URL:       req.ModelURL,
		State:     StateQueued,
		StartedAt: now,
		UpdatedAt: now,
	}
	r.downloads[id] = it
	cp := *it
	return &cp, nil
}

// Get retrieves a copy of a single item by ID, or nil.
func (r *ItemRegistry) Get(id string) *Item {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if it, ok := r.downloads[id]; ok {
		cp := *it
		return &cp
	}
	return nil
}

// Update atomically updates an item using the provided function.
func (r *ItemRegistry) Update(id string, fn func(*Item)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	it, ok := r.downloads[id]
	if !ok {
		return fmt.Errorf("item with id %s not found", id)
	}

	fn(it)
	it.UpdatedAt = time.Now()
	return nil
}

// Snapshot returns copies of all items, oldest first.
// If id is non-empty, returns at most that single item.
func (r *ItemRegistry) Snapshot(id string) []*Item {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id != "" {
		if it, ok := r.downloads[id]; ok {
			cp := *it
			return []*Item{&cp}
		}
		return []*Item{}
	}

	out := make([]*Item, 0, len(r.downloads))
	for _, it := range r.downloads {
		cp := *it
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Attach sets the database ID for an item.
func (r *ItemRegistry) Attach(id string, dbID int64) error {
	return r.Update(id, func(it *Item) {
		it.DBID = dbID
	})
}

// SetProgress records progress and moves a queued item to downloading.
// Progress only increases. Returns the previous and new values.
func (r *ItemRegistry) SetProgress(id string, progress float64) (float64, float64, error) {
	var prev, next float64
	err := r.Update(id, func(it *Item) {
		prev = it.Progress
		if progress > it.Progress {
			it.Progress = progress
		}
		next = it.Progress
		if it.State == StateQueued {
			it.State = StateDownloading
		}
	})
	return prev, next, err
}

// SetState updates the state and optional error message for an item.
func (r *ItemRegistry) SetState(id string, state State, errMsg string) error {
	return r.Update(id, func(it *Item) {
		it.State = state
		it.Error = errMsg
	})
}

// Complete marks an item completed at path.
func (r *ItemRegistry) Complete(id, path string) error {
	return r.Update(id, func(it *Item) {
		it.State = StateCompleted
		it.Progress = 100
		it.Path = path
		it.Error = ""
	})
}

// Delete removes an item from the registry.
// Returns true if the item existed and was deleted.
func (r *ItemRegistry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.downloads[id]; ok {
		delete(r.downloads, id)
		return true
	}
	return false
}

// Size returns the number of items in the registry.
func (r *ItemRegistry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.downloads)
}

// GetWithDBID retrieves the item with matching DBID if present.
func (r *ItemRegistry) GetWithDBID(dbID int64) *Item {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, it := range r.downloads {
		if it.DBID == dbID {
			cp := *it
			return &cp
		}
	}
	return nil
}
