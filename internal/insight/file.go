package insight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/comigor/chatcore/internal/history"
)

// File keeps one JSON array of insights per user under dir.
type File struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

func NewFile(dir string) *File {
	return &File{dir: dir, now: time.Now}
}

func (f *File) path(userID string) (string, error) {
	if userID == "" || userID == "." || userID == ".." || strings.ContainsAny(userID, `/\`) {
		return "", fmt.Errorf("invalid user id %q for file storage", userID)
	}
	return filepath.Join(f.dir, userID+".json"), nil
}

func (f *File) read(path string) ([]document, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &history.UnavailableError{Backend: "file", Op: "read insights", Err: err}
	}
	var docs []document
	if err := json.Unmarshal(b, &docs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return docs, nil
}

func (f *File) Add(ctx context.Context, in Insight) (Insight, error) {
	if err := ctx.Err(); err != nil {
		return Insight{}, err
	}
	in, err := prepare(in, f.now())
	if err != nil {
		return Insight{}, err
	}
	path, err := f.path(in.UserID)
	if err != nil {
		return Insight{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	docs, err := f.read(path)
	if err != nil {
		return Insight{}, err
	}
	docs = append(docs, toDocument(in))
	if err := f.write(path, docs); err != nil {
		return Insight{}, err
	}
	return in, nil
}

func (f *File) write(path string, docs []document) error {
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return &history.UnavailableError{Backend: "file", Op: "mkdir", Err: err}
	}
	b, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.dir, ".insights-*.tmp")
	if err != nil {
		return &history.UnavailableError{Backend: "file", Op: "write insights", Err: err}
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return &history.UnavailableError{Backend: "file", Op: "write insights", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &history.UnavailableError{Backend: "file", Op: "write insights", Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return &history.UnavailableError{Backend: "file", Op: "rename insights", Err: err}
	}
	return nil
}

func (f *File) List(ctx context.Context, q Query) ([]Insight, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := f.path(q.UserID)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	docs, err := f.read(path)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	items := make([]Insight, len(docs))
	for i, d := range docs {
		items[i] = fromDocument(d)
	}
	return selectNewest(items, q), nil
}
