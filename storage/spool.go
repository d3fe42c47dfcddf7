// Package storage persists pending queue tasks in a bbolt database so a
// restarted worker picks them up again.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"asyncmail/queue"
)

const (
	pendingBucket = "pending"
	deadBucket    = "dead"
)

// Spool is a queue.Store backed by a single bbolt file.
type Spool struct {
	db *bbolt.DB
}

var _ queue.Store = (*Spool)(nil)

// Open creates or opens the spool at path. The file is locked for the
// lifetime of the Spool.
func Open(path string) (*Spool, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create spool dir: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{pendingBucket, deadBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Spool{db: db}, nil
}

// Close releases the database.
func (s *Spool) Close() error {
	return s.db.Close()
}

// Save stores task under its ID, replacing an earlier version.
func (s *Spool) Save(task *queue.Task) error {
	return s.put(pendingBucket, task)
}

// Delete removes a pending task. Unknown IDs are ignored.
func (s *Spool) Delete(id string) error {
	key, err := sanitizeID(id)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(pendingBucket)).Delete([]byte(key))
	})
}

// Load returns every pending task, oldest first.
func (s *Spool) Load() ([]*queue.Task, error) {
	return s.list(pendingBucket)
}

// Bury moves a task that ran out of retries to the dead-letter bucket.
func (s *Spool) Bury(task *queue.Task) error {
	if err := s.put(deadBucket, task); err != nil {
		return err
	}
	return s.Delete(task.ID)
}

// Dead returns the dead-lettered tasks, oldest first.
func (s *Spool) Dead() ([]*queue.Task, error) {
	return s.list(deadBucket)
}

func (s *Spool) put(bucket string, task *queue.Task) error {
	key, err := sanitizeID(task.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
	})
}

func (s *Spool) list(bucket string) ([]*queue.Task, error) {
	var tasks []*queue.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).ForEach(func(k, v []byte) error {
			var task queue.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return fmt.Errorf("decode task %s: %w", k, err)
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

func sanitizeID(v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", errors.New("empty task id")
	}
	if strings.ContainsAny(v, "/\\") || strings.Contains(v, "..") {
		return "", errors.New("invalid task id")
	}
	return v, nil
}
