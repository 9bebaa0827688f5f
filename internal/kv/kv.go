// Copyright 2025 kvfs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package kv provides the key-value primitives the metadata store is built
// on: scalar get/set, hash tables, an atomic counter and atomic write
// batches. Redis is the primary backend; SQLite serves single-node setups.
package kv

import (
	"context"
	"errors"
)

// ErrNil is returned when a key or hash field does not exist.
var ErrNil = errors.New("kv: nil")

// Store is the key-value RPC surface used by the metadata layer.
// Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, key string) error

	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key, field, value string) error
	HDel(ctx context.Context, key, field string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Incr atomically increments the integer stored at key and returns
	// the new value. A missing key counts as 0.
	Incr(ctx context.Context, key string) (int64, error)

	// Keys returns every scalar key starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Exec applies all writes in b atomically.
	Exec(ctx context.Context, b *Batch) error

	Ping(ctx context.Context) error
	Close() error
}

type opKind int

const (
	opSet opKind = iota
	opDel
	opHSet
	opHDel
)

type op struct {
	kind  opKind
	key   string
	field string
	value string
}

// Batch collects writes to be applied as one unit by Store.Exec.
type Batch struct {
	ops []op
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

func (b *Batch) Set(key, value string) *Batch {
	b.ops = append(b.ops, op{kind: opSet, key: key, value: value})
	return b
}

func (b *Batch) Del(key string) *Batch {
	b.ops = append(b.ops, op{kind: opDel, key: key})
	return b
}

func (b *Batch) HSet(key, field, value string) *Batch {
	b.ops = append(b.ops, op{kind: opHSet, key: key, field: field, value: value})
	return b
}

func (b *Batch) HDel(key, field string) *Batch {
	b.ops = append(b.ops, op{kind: opHDel, key: key, field: field})
	return b
}

// Len returns the number of queued writes.
func (b *Batch) Len() int {
	return len(b.ops)
}
