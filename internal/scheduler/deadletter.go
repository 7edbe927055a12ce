package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var deadLetterBucket = []byte("deadletter")

// DeadLetter records a scheduled item that exhausted its retries.
type DeadLetter struct {
	ID         string         `json:"id"`
	ScheduleID string         `json:"schedule_id,omitempty"`
	ProjectID  string         `json:"project_id"`
	ActionID   string         `json:"action_id"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	RequestIDs []string       `json:"request_ids"`
	Attempts   int            `json:"attempts"`
	LastError  string         `json:"last_error"`
	FailedAt   time.Time      `json:"failed_at"`
}

type DeadLetterSink interface {
	Put(d DeadLetter) error
}

// DeadLetters is a bbolt-backed queue of exhausted items, keyed so that
// iteration returns them oldest first.
type DeadLetters struct {
	db *bolt.DB
}

func OpenDeadLetters(path string) (*DeadLetters, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open dead-letter db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(deadLetterBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init dead-letter bucket: %w", err)
	}
	return &DeadLetters{db: db}, nil
}

func deadLetterKey(d DeadLetter) []byte {
	return []byte(d.FailedAt.UTC().Format("20060102T150405.000000000") + "/" + d.ID)
}

func (q *DeadLetters) Put(d DeadLetter) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(deadLetterBucket).Put(deadLetterKey(d), data)
	})
}

// List returns up to limit dead letters, oldest first. limit <= 0 means all.
func (q *DeadLetters) List(limit int) ([]DeadLetter, error) {
	var out []DeadLetter
	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(deadLetterBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var d DeadLetter
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			out = append(out, d)
		}
		return nil
	})
	return out, err
}

// Delete drops a dead letter by id. Unknown ids are ignored.
func (q *DeadLetters) Delete(id string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(deadLetterBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var d DeadLetter
			if err := json.Unmarshal(v, &d); err == nil && d.ID == id {
				return b.Delete(k)
			}
		}
		return nil
	})
}

func (q *DeadLetters) Close() error {
	return q.db.Close()
}
