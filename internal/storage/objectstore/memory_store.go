package objectstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"
)

// MemoryStore keeps objects in process memory. It backs local mode and tests.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]memoryObject
	now     func() time.Time

	gets int
	puts int
}

type memoryObject struct {
	body []byte
	info ObjectInfo
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string]memoryObject{}, now: time.Now}
}

func (s *MemoryStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("put %s: size mismatch: got %d want %d", key, len(data), size)
	}
	sum := md5.Sum(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	s.objects[bucket+"/"+key] = memoryObject{
		body: data,
		info: ObjectInfo{
			Key:          key,
			Size:         int64(len(data)),
			ETag:         hex.EncodeToString(sum[:]),
			ContentType:  contentType,
			LastModified: s.now().UTC(),
		},
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	obj, ok := s.objects[bucket+"/"+key]
	if !ok {
		return nil, ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(obj.body)), obj.info, nil
}

func (s *MemoryStore) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[bucket+"/"+key]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return obj.info, nil
}

func (s *MemoryStore) Delete(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, bucket+"/"+key)
	return nil
}

// Gets returns how many Get calls were served.
func (s *MemoryStore) Gets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

// Puts returns how many Put calls were served.
func (s *MemoryStore) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

// Keys returns the stored keys of bucket.
func (s *MemoryStore) Keys(bucket string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := bucket + "/"
	out := make([]string, 0, len(s.objects))
	for k := range s.objects {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k[len(prefix):])
		}
	}
	return out
}
