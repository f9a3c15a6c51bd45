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

// Package store provides DeltaFile, flow and topic repositories with optimistic versioning.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rulego/deltaflow/api/types"
)

// versionedMap is a map of copies guarded by a version check on save.
type versionedMap[T any] struct {
	mu      sync.RWMutex
	items   map[string]T
	key     func(T) string
	version func(T) *int64
	clone   func(T) T
}

func newVersionedMap[T any](key func(T) string, version func(T) *int64, clone func(T) T) *versionedMap[T] {
	return &versionedMap[T]{
		items:   make(map[string]T),
		key:     key,
		version: version,
		clone:   clone,
	}
}

func (m *versionedMap[T]) get(id string) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[id]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s: %w", id, types.ErrNotFound)
	}
	return m.clone(item), nil
}

func (m *versionedMap[T]) save(item T) (T, error) {
	id := m.key(item)
	m.mu.Lock()
	defer m.mu.Unlock()
	var current int64
	if stored, ok := m.items[id]; ok {
		current = *m.version(stored)
	}
	if *m.version(item) != current {
		var zero T
		return zero, fmt.Errorf("%s: stored version %d, saving version %d: %w", id, current, *m.version(item), types.ErrVersionConflict)
	}
	saved := m.clone(item)
	*m.version(saved) = current + 1
	m.items[id] = saved
	return m.clone(saved), nil
}

func (m *versionedMap[T]) delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return fmt.Errorf("%s: %w", id, types.ErrNotFound)
	}
	delete(m.items, id)
	return nil
}

func (m *versionedMap[T]) all() []T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.items))
	for id := range m.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.clone(m.items[id]))
	}
	return out
}

// MemoryDeltaFileRepository keeps DeltaFiles in memory.
type MemoryDeltaFileRepository struct {
	m *versionedMap[*types.DeltaFile]
}

var _ types.DeltaFileRepository = (*MemoryDeltaFileRepository)(nil)

func NewMemoryDeltaFileRepository() *MemoryDeltaFileRepository {
	return &MemoryDeltaFileRepository{m: newVersionedMap(
		func(d *types.DeltaFile) string { return d.DID },
		func(d *types.DeltaFile) *int64 { return &d.Version },
		(*types.DeltaFile).Copy,
	)}
}

func (r *MemoryDeltaFileRepository) Get(_ context.Context, did string) (*types.DeltaFile, error) {
	return r.m.get(did)
}

func (r *MemoryDeltaFileRepository) Save(_ context.Context, deltaFile *types.DeltaFile) (*types.DeltaFile, error) {
	return r.m.save(deltaFile)
}

func (r *MemoryDeltaFileRepository) DeleteByID(_ context.Context, did string) error {
	return r.m.delete(did)
}

// FindAll returns every DeltaFile ordered by did.
func (r *MemoryDeltaFileRepository) FindAll(_ context.Context) ([]*types.DeltaFile, error) {
	return r.m.all(), nil
}

// MemoryFlowRepository keeps flow definitions in memory.
type MemoryFlowRepository struct {
	m *versionedMap[*types.Flow]
}

var _ types.FlowRepository = (*MemoryFlowRepository)(nil)

func NewMemoryFlowRepository() *MemoryFlowRepository {
	return &MemoryFlowRepository{m: newVersionedMap(
		func(f *types.Flow) string { return f.Name },
		func(f *types.Flow) *int64 { return &f.Version },
		(*types.Flow).Copy,
	)}
}

func (r *MemoryFlowRepository) Get(_ context.Context, name string) (*types.Flow, error) {
	return r.m.get(name)
}

func (r *MemoryFlowRepository) Save(_ context.Context, flow *types.Flow) (*types.Flow, error) {
	return r.m.save(flow)
}

func (r *MemoryFlowRepository) DeleteByID(_ context.Context, name string) error {
	return r.m.delete(name)
}

func (r *MemoryFlowRepository) FindAll(_ context.Context) ([]*types.Flow, error) {
	return r.m.all(), nil
}

// MemoryTopicRepository keeps topic definitions in memory.
type MemoryTopicRepository struct {
	m *versionedMap[*types.Topic]
}

var _ types.TopicRepository = (*MemoryTopicRepository)(nil)

func NewMemoryTopicRepository() *MemoryTopicRepository {
	return &MemoryTopicRepository{m: newVersionedMap(
		func(t *types.Topic) string { return t.Name },
		func(t *types.Topic) *int64 { return &t.Version },
		(*types.Topic).Copy,
	)}
}

func (r *MemoryTopicRepository) Get(_ context.Context, name string) (*types.Topic, error) {
	return r.m.get(name)
}

func (r *MemoryTopicRepository) Save(_ context.Context, topic *types.Topic) (*types.Topic, error) {
	return r.m.save(topic)
}

func (r *MemoryTopicRepository) DeleteByID(_ context.Context, name string) error {
	return r.m.delete(name)
}

func (r *MemoryTopicRepository) FindAll(_ context.Context) ([]*types.Topic, error) {
	return r.m.all(), nil
}
