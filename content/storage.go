/*
 * Copyright 2024 The RuleGo Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package content stores the bytes DeltaFile content references point to.
package content

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/uuid/v5"
	"github.com/rulego/deltaflow/api/types"
)

var (
	_ types.ContentStorage = (*MemoryStorage)(nil)
	_ types.ContentStorage = (*FileStorage)(nil)
)

// newRef returns a reference unique within did.
func newRef(did string) string {
	return did + "/" + uuid.Must(uuid.NewV4()).String()
}

// MemoryStorage keeps content in memory.
type MemoryStorage struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{blobs: make(map[string][]byte)}
}

func (s *MemoryStorage) Load(_ context.Context, ref string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("content %s: %w", ref, types.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryStorage) Save(_ context.Context, did, name, mediaType string, data io.Reader) (types.Content, error) {
	b, err := io.ReadAll(data)
	if err != nil {
		return types.Content{}, err
	}
	ref := newRef(did)
	s.mu.Lock()
	s.blobs[ref] = b
	s.mu.Unlock()
	return types.Content{Name: name, MediaType: mediaType, Size: int64(len(b)), Ref: ref}, nil
}

// Delete removes every blob of did.
func (s *MemoryStorage) Delete(_ context.Context, did string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ref := range s.blobs {
		if strings.HasPrefix(ref, did+"/") {
			delete(s.blobs, ref)
		}
	}
	return nil
}

// FileStorage keeps content as files under a root directory, one directory per DeltaFile.
type FileStorage struct {
	root string
}

// NewFileStorage creates root if needed.
func NewFileStorage(root string) (*FileStorage, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	return &FileStorage{root: root}, nil
}

func (s *FileStorage) path(ref string) (string, error) {
	path := filepath.Join(s.root, filepath.FromSlash(ref))
	if rel, err := filepath.Rel(s.root, path); err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("content ref %q escapes the storage root", ref)
	}
	return path, nil
}

func (s *FileStorage) Load(_ context.Context, ref string) (io.ReadCloser, error) {
	path, err := s.path(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("content %s: %w", ref, types.ErrNotFound)
	}
	return f, err
}

func (s *FileStorage) Save(_ context.Context, did, name, mediaType string, data io.Reader) (types.Content, error) {
	ref := newRef(did)
	path, err := s.path(ref)
	if err != nil {
		return types.Content{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return types.Content{}, err
	}
	f, err := os.Create(path)
	if err != nil {
		return types.Content{}, err
	}
	size, err := io.Copy(f, data)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return types.Content{}, err
	}
	return types.Content{Name: name, MediaType: mediaType, Size: size, Ref: ref}, nil
}

// Delete removes the directory of did.
func (s *FileStorage) Delete(_ context.Context, did string) error {
	path, err := s.path(did)
	if err != nil {
		return err
	}
	return os.RemoveAll(path)
}

// ReadAll loads the bytes of c.
func ReadAll(ctx context.Context, storage types.ContentStorage, c types.Content) ([]byte, error) {
	r, err := storage.Load(ctx, c.Ref)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
