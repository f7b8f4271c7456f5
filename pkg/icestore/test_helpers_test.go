package icestore_test

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/illmade-knight/go-batchsink/pkg/icestore"
)

// --- Mock GCS Client Components ---

// mockGCSWriter is a mock GCSWriter that writes to an in-memory buffer.
type mockGCSWriter struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	closed   bool
	attrs    icestore.ObjectAttrs
	closeErr error
}

func (m *mockGCSWriter) Write(p []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.New("write on closed writer")
	}
	return m.buf.Write(p)
}

func (m *mockGCSWriter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("already closed")
	}
	m.closed = true
	return m.closeErr
}

func (m *mockGCSWriter) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.buf.Bytes()...)
}

// mockGCSObjectHandle hands out a fresh writer per upload, so an overwrite
// replaces the object's content.
type mockGCSObjectHandle struct {
	mu       sync.Mutex
	writer   *mockGCSWriter
	uploads  int
	closeErr error
}

func (m *mockGCSObjectHandle) NewWriter(_ context.Context, attrs icestore.ObjectAttrs) icestore.GCSWriter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads++
	m.writer = &mockGCSWriter{attrs: attrs, closeErr: m.closeErr}
	return m.writer
}

// mockGCSBucketHandle stores created objects in a map.
type mockGCSBucketHandle struct {
	mu       sync.Mutex
	objects  map[string]*mockGCSObjectHandle
	closeErr error
}

func (m *mockGCSBucketHandle) Object(name string) icestore.GCSObjectHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string]*mockGCSObjectHandle)
	}
	if _, ok := m.objects[name]; !ok {
		m.objects[name] = &mockGCSObjectHandle{closeErr: m.closeErr}
	}
	return m.objects[name]
}

func (m *mockGCSBucketHandle) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for name := range m.objects {
		out = append(out, name)
	}
	return out
}

func (m *mockGCSBucketHandle) object(name string) *mockGCSObjectHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[name]
}

// mockGCSClient is a mock GCSClient with a single bucket.
type mockGCSClient struct {
	mu         sync.Mutex
	bucket     *mockGCSBucketHandle
	bucketName string
}

func newMockGCSClient(closeErr error) *mockGCSClient {
	return &mockGCSClient{bucket: &mockGCSBucketHandle{closeErr: closeErr}}
}

func (m *mockGCSClient) Bucket(name string) icestore.GCSBucketHandle {
	m.mu.Lock()
	m.bucketName = name
	m.mu.Unlock()
	return m.bucket
}
