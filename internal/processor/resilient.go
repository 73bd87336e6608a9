// Copyright (C) 2025 Harborline, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package processor

import (
	"context"

	"github.com/harborline/filelane/internal/resilience"
)

// ResilientObjectStore routes every ObjectStore call through a resilience
// wrapper. Workers never call the raw store.
type ResilientObjectStore struct {
	inner   ObjectStore
	wrapper *resilience.Wrapper
}

var _ ObjectStore = (*ResilientObjectStore)(nil)

func NewResilientObjectStore(inner ObjectStore, wrapper *resilience.Wrapper) *ResilientObjectStore {
	return &ResilientObjectStore{inner: inner, wrapper: wrapper}
}

func (r *ResilientObjectStore) Fetch(ctx context.Context, key string) ([]byte, error) {
	var body []byte
	err := r.wrapper.Do(ctx, "fetch", func(ctx context.Context) error {
		var err error
		body, err = r.inner.Fetch(ctx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (r *ResilientObjectStore) Store(ctx context.Context, key, contentType string, body []byte) error {
	return r.wrapper.Do(ctx, "store", func(ctx context.Context) error {
		return r.inner.Store(ctx, key, contentType, body)
	})
}

// ResilientSearchIndex routes every SearchIndex call through a resilience
// wrapper.
type ResilientSearchIndex struct {
	inner   SearchIndex
	wrapper *resilience.Wrapper
}

var _ SearchIndex = (*ResilientSearchIndex)(nil)

func NewResilientSearchIndex(inner SearchIndex, wrapper *resilience.Wrapper) *ResilientSearchIndex {
	return &ResilientSearchIndex{inner: inner, wrapper: wrapper}
}

func (r *ResilientSearchIndex) Index(ctx context.Context, docID string, doc []byte) error {
	return r.wrapper.Do(ctx, "index", func(ctx context.Context) error {
		return r.inner.Index(ctx, docID, doc)
	})
}

func (r *ResilientSearchIndex) Remove(ctx context.Context, docID string) error {
	return r.wrapper.Do(ctx, "remove", func(ctx context.Context) error {
		return r.inner.Remove(ctx, docID)
	})
}
