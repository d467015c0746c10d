package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/vietddude/chatdigest/internal/core/domain"
)

type MemoryStorage struct {
	records []domain.Record
	mu      sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// Add inserts records, keeping the store sorted by cursor.
func (s *MemoryStorage) Add(records ...domain.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	sort.SliceStable(s.records, func(i, j int) bool {
		return s.records[i].Cursor().Compare(s.records[j].Cursor()) < 0
	})
}

// Len returns the number of stored records.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// LoadJSONL reads one JSON record per line.
func (s *MemoryStorage) LoadJSONL(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var batch []domain.Record
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var rec domain.Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return 0, fmt.Errorf("line %d: %w", line, err)
		}
		batch = append(batch, rec)
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to read records: %w", err)
	}

	s.Add(batch...)
	return len(batch), nil
}

// LoadFile loads a JSON-lines file of records.
func (s *MemoryStorage) LoadFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open records file: %w", err)
	}
	defer f.Close()
	return s.LoadJSONL(f)
}

// -----------------------------------------------------------------------------
// Record Repository
// -----------------------------------------------------------------------------

type RecordRepo struct {
	store *MemoryStorage

	mu    sync.Mutex
	pages int
}

func NewRecordRepo(store *MemoryStorage) *RecordRepo {
	return &RecordRepo{store: store}
}

func (r *RecordRepo) Page(
	ctx context.Context,
	filter domain.RecordFilter,
	after *domain.Cursor,
	limit int,
) ([]domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.pages++
	r.mu.Unlock()

	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []domain.Record
	for _, rec := range r.store.records {
		if limit > 0 && len(out) >= limit {
			break
		}
		if filter.Sender != "" && rec.Sender != filter.Sender {
			continue
		}
		if !filter.Since.IsZero() && rec.Timestamp.Before(filter.Since) {
			continue
		}
		if after != nil && !rec.Cursor().After(*after) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Pages returns how many page queries were served.
func (r *RecordRepo) Pages() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pages
}
