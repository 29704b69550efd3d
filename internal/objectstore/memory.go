package objectstore

import (
	"context"
	"sync"
)

// Memory is an in-process Store. It backs local runs and tests.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

type memObject struct {
	body        []byte
	contentType string
}

func NewMemory() *Memory {
	return &Memory{objects: map[string]memObject{}}
}

func memKey(bucket, key string) string { return bucket + "\x00" + key }

func (m *Memory) Put(_ context.Context, bucket, key string, body []byte, contentType string) error {
	cp := append([]byte(nil), body...)
	m.mu.Lock()
	m.objects[memKey(bucket, key)] = memObject{body: cp, contentType: contentType}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.RLock()
	obj, ok := m.objects[memKey(bucket, key)]
	m.mu.RUnlock()
	if !ok {
		return nil, &Error{Op: "Get", Bucket: bucket, Key: key, Err: ErrNotFound}
	}
	return append([]byte(nil), obj.body...), nil
}

func (m *Memory) Head(_ context.Context, bucket, key string) (ObjectInfo, error) {
	m.mu.RLock()
	obj, ok := m.objects[memKey(bucket, key)]
	m.mu.RUnlock()
	if !ok {
		return ObjectInfo{}, nil
	}
	return ObjectInfo{Exists: true, Size: int64(len(obj.body)), ContentType: obj.contentType}, nil
}

// Delete removes an object. Tests use it to simulate lost artifacts.
func (m *Memory) Delete(bucket, key string) {
	m.mu.Lock()
	delete(m.objects, memKey(bucket, key))
	m.mu.Unlock()
}
