package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Record describes one completed file.
type Record struct {
	Time   time.Time `json:"time"`
	Size   int64     `json:"size"`
	Remote string    `json:"remote"` // remote path the file came from or went to
}

type TaskHistory struct {
	// Map local relative path -> record
	Records map[string]Record `json:"records"`
	mu      sync.RWMutex
}

type HistoryManager struct {
	// TaskName -> History
	Tasks map[string]*TaskHistory `json:"tasks"`
	Path  string
	mu    sync.RWMutex
}

func NewHistoryManager(path string) *HistoryManager {
	return &HistoryManager{
		Tasks: make(map[string]*TaskHistory),
		Path:  path,
	}
}

func (hm *HistoryManager) Load() error {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	data, err := os.ReadFile(hm.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	tasks := make(map[string]*TaskHistory)
	if err := json.Unmarshal(data, &tasks); err != nil {
		return fmt.Errorf("decode history %s: %w", hm.Path, err)
	}
	for name, th := range tasks {
		if th == nil {
			th = &TaskHistory{}
			tasks[name] = th
		}
		if th.Records == nil {
			th.Records = make(map[string]Record)
		}
	}
	hm.Tasks = tasks
	return nil
}

// Save writes the history next to its final path and renames it into
// place, so a crash never leaves a truncated file.
func (hm *HistoryManager) Save() error {
	hm.mu.RLock()
	for _, th := range hm.Tasks {
		th.mu.RLock()
	}
	data, err := json.MarshalIndent(hm.Tasks, "", "  ")
	for _, th := range hm.Tasks {
		th.mu.RUnlock()
	}
	hm.mu.RUnlock()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(hm.Path), filepath.Base(hm.Path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), hm.Path)
}

func (hm *HistoryManager) GetTaskHistory(taskName string) *TaskHistory {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if _, ok := hm.Tasks[taskName]; !ok {
		hm.Tasks[taskName] = &TaskHistory{
			Records: make(map[string]Record),
		}
	}
	return hm.Tasks[taskName]
}

func (th *TaskHistory) Add(path string, rec Record) {
	th.mu.Lock()
	defer th.mu.Unlock()
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	th.Records[path] = rec
}

func (th *TaskHistory) Has(path string) bool {
	th.mu.RLock()
	defer th.mu.RUnlock()
	_, ok := th.Records[path]
	return ok
}

func (th *TaskHistory) Get(path string) (Record, bool) {
	th.mu.RLock()
	defer th.mu.RUnlock()
	r, ok := th.Records[path]
	return r, ok
}

func (th *TaskHistory) Remove(path string) {
	th.mu.Lock()
	defer th.mu.Unlock()
	delete(th.Records, path)
}

// Before returns the sorted paths recorded before cutoff.
func (th *TaskHistory) Before(cutoff time.Time) []string {
	th.mu.RLock()
	defer th.mu.RUnlock()
	var paths []string
	for p, r := range th.Records {
		if r.Time.Before(cutoff) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}
