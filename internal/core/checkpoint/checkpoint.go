// Package checkpoint persists a run on disk: its immutable config, its
// mutable state and the append-only journals of map, reduce and error records.
//
// Layout under <runs_dir>/<run_id>/:
//
//	config.json          RunConfig, written once
//	state.json           RunState, replaced atomically after every unit of work
//	map_outputs.jsonl    one MapOutputRecord per processed batch
//	reduce_outputs.jsonl one ReduceOutputRecord per merged chunk
//	errors.jsonl         one ErrorRecord per fatal failure
//	final.txt            the final artifact
//	post.txt             a post generated from other runs' artifacts
package checkpoint

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/vietddude/chatdigest/internal/core/domain"
)

const (
	configFile = "config.json"
	stateFile  = "state.json"
	mapFile    = "map_outputs.jsonl"
	reduceFile = "reduce_outputs.jsonl"
	errorsFile = "errors.jsonl"
	finalFile  = "final.txt"
	postFile   = "post.txt"
)

// ErrRunNotFound is returned when a run has no persisted config.
var ErrRunNotFound = errors.New("run not found")

// Run is the on-disk checkpoint of a single run.
type Run struct {
	id  string
	dir string
	mu  sync.Mutex
}

// Open returns the checkpoint of runID under root, creating its directory.
func Open(root, runID string) (*Run, error) {
	if runID == "" {
		return nil, errors.New("empty run id")
	}
	dir := filepath.Join(root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run dir: %w", err)
	}
	return &Run{id: runID, dir: dir}, nil
}

// List returns the ids of the runs under root that have a config.
func List(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), configFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Dir returns the run directory.
func (r *Run) Dir() string { return r.dir }

// Path returns the path of a file inside the run directory.
func (r *Run) Path(name string) string { return filepath.Join(r.dir, name) }

// Exists reports whether the run has been created.
func (r *Run) Exists() bool {
	_, err := os.Stat(r.Path(configFile))
	return err == nil
}

// Reset removes every file of the run, keeping the directory.
func (r *Run) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range []string{configFile, stateFile, mapFile, reduceFile, errorsFile, finalFile, postFile} {
		if err := os.Remove(r.Path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	return nil
}

// Remove deletes the run directory.
func (r *Run) Remove() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return os.RemoveAll(r.dir)
}

// =============================================================================
// Config and state
// =============================================================================

// SaveConfig writes the run config.
func (r *Run) SaveConfig(cfg *domain.RunConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeJSON(configFile, cfg)
}

// LoadConfig reads the run config, or ErrRunNotFound.
func (r *Run) LoadConfig() (*domain.RunConfig, error) {
	var cfg domain.RunConfig
	if err := r.readJSON(configFile, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveState replaces the run state.
func (r *Run) SaveState(_ context.Context, state *domain.RunState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeJSON(stateFile, state)
}

// LoadState reads the run state, or ErrRunNotFound.
func (r *Run) LoadState(_ context.Context) (*domain.RunState, error) {
	var state domain.RunState
	if err := r.readJSON(stateFile, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Load returns the persisted config and state after checking that supplied
// agrees with the persisted config on the identity fields.
func (r *Run) Load(ctx context.Context, supplied *domain.RunConfig) (*domain.RunConfig, *domain.RunState, error) {
	persisted, err := r.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	if supplied != nil {
		if err := supplied.CheckIdentity(persisted); err != nil {
			return nil, nil, err
		}
	}

	state, err := r.LoadState(ctx)
	if errors.Is(err, ErrRunNotFound) {
		state = domain.NewRunState()
	} else if err != nil {
		return nil, nil, err
	}
	return persisted, state, nil
}

// writeJSON replaces name atomically via a temp file and rename.
func (r *Run) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(r.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), r.Path(name)); err != nil {
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

func (r *Run) readJSON(name string, v any) error {
	data, err := os.ReadFile(r.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, r.id)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

// =============================================================================
// Journals
// =============================================================================

// AppendMap appends a map output record.
func (r *Run) AppendMap(rec *domain.MapOutputRecord) error {
	return r.appendLine(mapFile, rec)
}

// AppendReduce appends a reduce output record.
func (r *Run) AppendReduce(rec *domain.ReduceOutputRecord) error {
	return r.appendLine(reduceFile, rec)
}

// AppendError appends an error record.
func (r *Run) AppendError(rec *domain.ErrorRecord) error {
	return r.appendLine(errorsFile, rec)
}

// ReadMap returns the map journal ordered by batch index. A batch journaled
// twice (crash between append and state save) keeps its last entry.
func (r *Run) ReadMap() ([]domain.MapOutputRecord, error) {
	byIndex := make(map[int]domain.MapOutputRecord)
	err := r.readLines(mapFile, func(line []byte) error {
		var rec domain.MapOutputRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		byIndex[rec.BatchIndex] = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.MapOutputRecord, 0, len(byIndex))
	for _, rec := range byIndex {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchIndex < out[j].BatchIndex })
	return out, nil
}

// ReduceKey identifies a merged chunk.
type ReduceKey struct {
	Round int
	Chunk int
}

// ReadReduce returns the reduce journal keyed by round and chunk.
func (r *Run) ReadReduce() (map[ReduceKey]domain.ReduceOutputRecord, error) {
	out := make(map[ReduceKey]domain.ReduceOutputRecord)
	err := r.readLines(reduceFile, func(line []byte) error {
		var rec domain.ReduceOutputRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		out[ReduceKey{Round: rec.Round, Chunk: rec.ChunkIndex}] = rec
		return nil
	})
	return out, err
}

// ReadErrors returns the error journal in append order.
func (r *Run) ReadErrors() ([]domain.ErrorRecord, error) {
	var out []domain.ErrorRecord
	err := r.readLines(errorsFile, func(line []byte) error {
		var rec domain.ErrorRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// WriteFinal writes the final artifact.
func (r *Run) WriteFinal(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.WriteFile(r.Path(finalFile), []byte(text), 0o644); err != nil {
		return fmt.Errorf("failed to write final artifact: %w", err)
	}
	return nil
}

// ReadFinal returns the final artifact.
func (r *Run) ReadFinal() (string, error) {
	data, err := os.ReadFile(r.Path(finalFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: no final artifact for %s", ErrRunNotFound, r.id)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WritePost writes a generated post.
func (r *Run) WritePost(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.WriteFile(r.Path(postFile), []byte(text), 0o644); err != nil {
		return fmt.Errorf("failed to write post: %w", err)
	}
	return nil
}

// ReadPost returns the generated post.
func (r *Run) ReadPost() (string, error) {
	data, err := os.ReadFile(r.Path(postFile))
	if err != nil {
		return "", fmt.Errorf("failed to read post: %w", err)
	}
	return string(data), nil
}

func (r *Run) appendLine(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s entry: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.Path(name), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	end, err := trimTornTail(f)
	if err != nil {
		return fmt.Errorf("failed to repair %s: %w", name, err)
	}
	if _, err := f.WriteAt(append(data, '\n'), end); err != nil {
		return fmt.Errorf("failed to append to %s: %w", name, err)
	}
	return f.Sync()
}

// trimTornTail truncates a journal back to its last newline so that a write
// interrupted by a crash does not fuse with the next entry. It returns the
// offset at which the next entry starts.
func trimTornTail(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()
	if size == 0 {
		return 0, nil
	}

	buf := make([]byte, 4096)
	for end := size; end > 0; {
		start := max(end-int64(len(buf)), 0)
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			keep := start + int64(i) + 1
			if keep == size {
				return size, nil
			}
			return keep, f.Truncate(keep)
		}
		end = start
	}
	return 0, f.Truncate(0)
}

// readLines calls fn for every line of a journal. A missing journal is empty.
// An undecodable final line without a newline is a torn write and is skipped.
func (r *Run) readLines(name string, fn func([]byte) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.Open(r.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return fmt.Errorf("failed to read %s: %w", name, readErr)
		}
		complete := len(line) > 0 && line[len(line)-1] == '\n'
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			if err := fn(trimmed); err != nil && complete {
				return fmt.Errorf("%s line %d: %w", name, lineNo, err)
			}
		}
		if readErr != nil {
			return nil
		}
	}
}
