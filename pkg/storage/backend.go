/*
Copyright 2025 GuardAnt Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package storage is the tenant-isolated adapter over a
// content-addressed backend with a write-through cache and background
// sync. The adapter is the only component allowed to mutate backend
// state; everything persisted is keyed nest:<id>:<dataType>:<key>.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/m00npl/guardant-sub002/pkg/types"
)

// Backend is the content-addressed store client contract. The
// decentralized backend itself is external; only its contract matters
// here.
type Backend interface {
	// Put writes payload under key and returns the backend entity id.
	Put(ctx context.Context, key string, payload []byte) (string, error)
	// Get resolves key to the stored payload.
	Get(ctx context.Context, key string) ([]byte, error)
	// Resolve maps an isolation key to the backend entity id.
	Resolve(ctx context.Context, key string) (string, error)
	// Delete removes the entity holding key.
	Delete(ctx context.Context, key string) error
	// Ping reports reachability.
	Ping(ctx context.Context) error
}

// HTTPBackend talks to the content-addressed store over its HTTP
// gateway.
type HTTPBackend struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPBackend builds a client for the gateway at baseURL.
func NewHTTPBackend(baseURL, token string, timeout time.Duration, logger *zap.Logger) *HTTPBackend {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPBackend{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type putResponse struct {
	EntityKey string `json:"entityKey"`
}

type resolveResponse struct {
	EntityKey string `json:"entityKey"`
	Found     bool   `json:"found"`
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, types.NewError(types.KindStorage, "backend request", err)
	}
	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, types.NewError(types.KindStorage, fmt.Sprintf("backend returned %d", resp.StatusCode), nil)
	}
	return resp, nil
}

// Put stores payload under key.
func (b *HTTPBackend) Put(ctx context.Context, key string, payload []byte) (string, error) {
	resp, err := b.do(ctx, http.MethodPut, "/entities/"+url.PathEscape(key), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", types.NewError(types.KindStorage, fmt.Sprintf("backend put returned %d", resp.StatusCode), nil)
	}
	var out putResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", types.NewError(types.KindStorage, "decode put response", err)
	}
	return out.EntityKey, nil
}

// Get fetches the payload stored under key.
func (b *HTTPBackend) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := b.do(ctx, http.MethodGet, "/entities/"+url.PathEscape(key), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, types.NewError(types.KindNotFound, "entity not found: "+key, nil)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewError(types.KindStorage, fmt.Sprintf("backend get returned %d", resp.StatusCode), nil)
	}
	return io.ReadAll(resp.Body)
}

// Resolve maps key to its backend entity id.
func (b *HTTPBackend) Resolve(ctx context.Context, key string) (string, error) {
	resp, err := b.do(ctx, http.MethodGet, "/resolve/"+url.PathEscape(key), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", types.NewError(types.KindNotFound, "key not resolvable: "+key, nil)
	}
	var out resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", types.NewError(types.KindStorage, "decode resolve response", err)
	}
	if !out.Found {
		return "", types.NewError(types.KindNotFound, "key not resolvable: "+key, nil)
	}
	return out.EntityKey, nil
}

// Delete removes the entity at key.
func (b *HTTPBackend) Delete(ctx context.Context, key string) error {
	resp, err := b.do(ctx, http.MethodDelete, "/entities/"+url.PathEscape(key), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return types.NewError(types.KindStorage, fmt.Sprintf("backend delete returned %d", resp.StatusCode), nil)
	}
	return nil
}

// Ping reports gateway reachability.
func (b *HTTPBackend) Ping(ctx context.Context) error {
	resp, err := b.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
