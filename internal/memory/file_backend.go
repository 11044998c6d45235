package memory

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/NikhilSetiya/agentctx/pkg/errors"
	"github.com/NikhilSetiya/agentctx/pkg/logging"
)

const (
	indexFile      = "index.json"
	sessionsDir    = "sessions"
	summariesDir   = "summaries"
	checkpointsDir = "checkpoints"
	defaultSession = "_default"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

type recordOp string

const (
	opPut    recordOp = "put"
	opDelete recordOp = "delete"
)

// record is one line of a session or summary log. Seq orders records across
// files so the newest record for an id wins on replay.
type record struct {
	Seq   uint64    `json:"seq"`
	Op    recordOp  `json:"op"`
	ID    string    `json:"id"`
	At    time.Time `json:"at"`
	Entry *Entry    `json:"entry,omitempty"`
}

// FileBackend stores entries as append-only JSONL logs:
//
//	index.json                       id -> log file
//	sessions/<session>.jsonl         put/delete records per session
//	summaries/<YYYY-MM-DD>.jsonl     summary entries by creation day
//	checkpoints/<checkpoint_id>.json
//
// The full entry set is replayed into memory on open.
type FileBackend struct {
	root   string
	logger *logging.Logger

	mu      sync.RWMutex
	seq     uint64
	index   map[string]string
	entries map[string]*Entry
}

// OpenFileBackend opens or creates a file store rooted at dir
func OpenFileBackend(dir string, logger *logging.Logger) (*FileBackend, error) {
	if dir == "" {
		return nil, errors.NewValidationError("file backend requires a path")
	}
	for _, sub := range []string{sessionsDir, summariesDir, checkpointsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return nil, errors.NewStorageError("open", err)
		}
	}

	b := &FileBackend{
		root:    dir,
		logger:  logging.OrNop(logger).Named("file_backend"),
		index:   make(map[string]string),
		entries: make(map[string]*Entry),
	}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

// load replays every log. The logs are the source of truth; index.json is
// rebuilt from them.
func (b *FileBackend) load() error {
	type seen struct {
		location string
		rec      record
	}
	latest := make(map[string]seen)

	for _, dir := range []string{sessionsDir, summariesDir} {
		files, err := filepath.Glob(filepath.Join(b.root, dir, "*.jsonl"))
		if err != nil {
			return errors.NewStorageError("load", err)
		}
		sort.Strings(files)
		for _, path := range files {
			location := filepath.ToSlash(filepath.Join(dir, filepath.Base(path)))
			if err := readRecords(path, func(rec record) {
				if rec.Seq > b.seq {
					b.seq = rec.Seq
				}
				if prev, ok := latest[rec.ID]; ok && prev.rec.Seq > rec.Seq {
					return
				}
				latest[rec.ID] = seen{location: location, rec: rec}
			}); err != nil {
				return err
			}
		}
	}

	for id, s := range latest {
		if s.rec.Op == opDelete || s.rec.Entry == nil {
			continue
		}
		b.entries[id] = s.rec.Entry
		b.index[id] = s.location
	}
	b.syncIndex()

	b.logger.Debug("File store loaded", "path", b.root, "entries", len(b.entries))
	return nil
}

// readRecords decodes a JSONL log. A torn trailing line from an interrupted
// append is skipped.
func readRecords(path string, fn func(record)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.NewStorageError("read log", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		fn(rec)
	}
	if err := scanner.Err(); err != nil {
		return errors.NewStorageError("read log", err)
	}
	return nil
}

func (b *FileBackend) locationFor(entry *Entry) string {
	if entry.Type == TypeSummary {
		return filepath.ToSlash(filepath.Join(summariesDir, entry.CreatedAt.UTC().Format("2006-01-02")+".jsonl"))
	}
	session := entry.SessionID
	if session == "" {
		session = defaultSession
	}
	return filepath.ToSlash(filepath.Join(sessionsDir, unsafeName.ReplaceAllString(session, "_")+".jsonl"))
}

func (b *FileBackend) appendRecord(location string, rec record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return errors.NewStorageError("encode record", err)
	}
	f, err := os.OpenFile(filepath.Join(b.root, filepath.FromSlash(location)), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.NewStorageError("append", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return errors.NewStorageError("append", err)
	}
	if err := f.Close(); err != nil {
		return errors.NewStorageError("append", err)
	}
	return nil
}

func (b *FileBackend) writeIndex() error {
	data, err := json.Marshal(b.index)
	if err != nil {
		return errors.NewStorageError("encode index", err)
	}
	return writeFileAtomic(filepath.Join(b.root, indexFile), data)
}

// syncIndex refreshes index.json. The logs already hold the write and the
// index is rebuilt from them on open, so a failure here is only logged.
func (b *FileBackend) syncIndex() {
	if err := b.writeIndex(); err != nil {
		b.logger.Warn("Failed to write index", "path", b.root, "error", err)
	}
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.NewStorageError("write", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.NewStorageError("write", err)
	}
	return nil
}

func (b *FileBackend) Put(ctx context.Context, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	location := b.locationFor(entry)
	if previous, ok := b.index[entry.ID]; ok && previous != location {
		if err := b.appendRecord(previous, b.nextRecord(opDelete, entry.ID, nil)); err != nil {
			return err
		}
	}
	if err := b.appendRecord(location, b.nextRecord(opPut, entry.ID, entry)); err != nil {
		return err
	}

	b.index[entry.ID] = location
	b.entries[entry.ID] = entry.Clone()
	b.syncIndex()
	return nil
}

func (b *FileBackend) nextRecord(op recordOp, id string, entry *Entry) record {
	b.seq++
	return record{Seq: b.seq, Op: op, ID: id, At: time.Now(), Entry: entry}
}

func (b *FileBackend) Get(ctx context.Context, id string) (*Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.entries[id]
	if !ok {
		return nil, errors.NewNotFoundError("memory entry")
	}
	return entry.Clone(), nil
}

func (b *FileBackend) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	location, ok := b.index[id]
	if !ok {
		return errors.NewNotFoundError("memory entry")
	}
	if err := b.appendRecord(location, b.nextRecord(opDelete, id, nil)); err != nil {
		return err
	}
	delete(b.index, id)
	delete(b.entries, id)
	b.syncIndex()
	return nil
}

func (b *FileBackend) List(ctx context.Context, query Query) ([]*Entry, error) {
	b.mu.RLock()
	all := make([]*Entry, 0, len(b.entries))
	for _, e := range b.entries {
		all = append(all, e.Clone())
	}
	b.mu.RUnlock()

	sortEntries(all)
	return filterEntries(all, query), nil
}

func (b *FileBackend) checkpointPath(id string) string {
	return filepath.Join(b.root, checkpointsDir, unsafeName.ReplaceAllString(id, "_")+".json")
}

func (b *FileBackend) PutCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return errors.NewStorageError("encode checkpoint", err)
	}
	return writeFileAtomic(b.checkpointPath(checkpoint.ID), data)
}

func (b *FileBackend) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	data, err := os.ReadFile(b.checkpointPath(id))
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, errors.NewNotFoundError("checkpoint")
		}
		return nil, errors.NewStorageError("read checkpoint", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, errors.NewStorageError("decode checkpoint", err)
	}
	return &cp, nil
}

func (b *FileBackend) ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	files, err := filepath.Glob(filepath.Join(b.root, checkpointsDir, "*.json"))
	if err != nil {
		return nil, errors.NewStorageError("list checkpoints", err)
	}
	out := make([]*Checkpoint, 0, len(files))
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.NewStorageError("read checkpoint", err)
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			b.logger.Warn("Skipping unreadable checkpoint", "path", path, "error", err)
			continue
		}
		if sessionID == "" || cp.SessionID == sessionID {
			out = append(out, &cp)
		}
	}
	sortCheckpoints(out)
	return out, nil
}

// Ping checks that the store root is still writable
func (b *FileBackend) Ping(ctx context.Context) error {
	info, err := os.Stat(b.root)
	if err != nil {
		return errors.NewStorageError("ping", err)
	}
	if !info.IsDir() {
		return errors.NewStorageError("ping", fmt.Errorf("%s is not a directory", b.root))
	}
	return nil
}

func (b *FileBackend) Close() error { return nil }
