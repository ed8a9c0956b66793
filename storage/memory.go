package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// MemoryAdapter keeps objects in process memory. It backs tests and local
// runs without a cloud account; its URLs point at BaseURL and are not signed.
type MemoryAdapter struct {
	BaseURL string

	mu      sync.RWMutex
	objects map[string]memoryObject
}

func NewMemoryAdapter(baseURL string) *MemoryAdapter {
	return &MemoryAdapter{BaseURL: strings.TrimSuffix(baseURL, "/"), objects: make(map[string]memoryObject)}
}

func (m *MemoryAdapter) Provider() string { return "memory" }

func (m *MemoryAdapter) url(key, op string, expiresIn time.Duration) string {
	q := url.Values{}
	q.Set("op", op)
	q.Set("expires", fmt.Sprint(int64(clampExpiry(expiresIn, DefaultExpiry).Seconds())))
	return m.BaseURL + "/" + key + "?" + q.Encode()
}

func (m *MemoryAdapter) GenerateUploadURL(_ context.Context, key, contentType string, expiresIn time.Duration) (UploadCredential, error) {
	if err := ValidateKey(key); err != nil {
		return UploadCredential{}, err
	}
	return UploadCredential{
		URL:     m.url(key, "put", expiresIn),
		Method:  http.MethodPut,
		Headers: map[string]string{"Content-Type": contentType},
	}, nil
}

func (m *MemoryAdapter) GenerateDownloadURL(_ context.Context, key string, expiresIn time.Duration) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return m.url(key, "get", expiresIn), nil
}

func (m *MemoryAdapter) PutObject(ctx context.Context, r io.Reader, key, contentType string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return transient("memory", "put", key, err)
	}
	m.mu.Lock()
	m.objects[key] = memoryObject{data: data, contentType: contentType, modified: time.Now()}
	m.mu.Unlock()
	return nil
}

func (m *MemoryAdapter) Open(_ context.Context, key string) (io.ReadCloser, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound("memory", key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *MemoryAdapter) Exists(_ context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	return ok, nil
}

func (m *MemoryAdapter) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ObjectInfo
	for k, obj := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, ObjectInfo{Key: k, Size: int64(len(obj.data)), LastModified: obj.modified, ContentType: obj.contentType})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Delete removes key. Used by tests to simulate externally deleted objects.
func (m *MemoryAdapter) Delete(key string) {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
}

// Object returns a copy of the stored bytes and content type.
func (m *MemoryAdapter) Object(key string) ([]byte, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), obj.data...), obj.contentType, true
}
