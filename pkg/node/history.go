package node

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

const historyBuffer = 256

// Record is one journaled message.
type Record struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	Topic     string    `json:"topic"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// History is an append-only JSONL journal with one file per topic. Appends are
// queued and written by Run so the event loop never touches the disk.
type History struct {
	dir     string
	records chan Record
}

// OpenHistory creates the journal directory if needed.
func OpenHistory(dir string) (*History, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	return &History{dir: dir, records: make(chan Record, historyBuffer)}, nil
}

func (h *History) path(topic string) string {
	return filepath.Join(h.dir, url.PathEscape(topic)+".jsonl")
}

// Record queues r without blocking. It reports false when the queue is full.
func (h *History) Record(r Record) bool {
	select {
	case h.records <- r:
		return true
	default:
		return false
	}
}

// Run writes queued records until ctx is done, then flushes what is left.
func (h *History) Run(ctx context.Context) error {
	for {
		select {
		case r := <-h.records:
			if err := h.Append(r); err != nil {
				log.Warnf("failed to journal message %s: %v", r.ID, err)
			}
		case <-ctx.Done():
			for {
				select {
				case r := <-h.records:
					if err := h.Append(r); err != nil {
						log.Warnf("failed to journal message %s: %v", r.ID, err)
					}
				default:
					return nil
				}
			}
		}
	}
}

// Append writes r to its topic's journal.
func (h *History) Append(r Record) error {
	f, err := os.OpenFile(h.path(r.Topic), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	jsonBytes, err := json.Marshal(r)
	if err != nil {
		return err
	}

	_, err = f.Write(append(jsonBytes, '\n'))
	return err
}

// LoadRecent returns the last count records of topic, oldest first.
func (h *History) LoadRecent(topic string, count int) ([]Record, error) {
	file, err := os.Open(h.path(topic))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No history yet, which is not an error
		}
		return nil, err
	}
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err == nil {
			records = append(records, r)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if len(records) > count {
		return records[len(records)-count:], nil
	}
	return records, nil
}
