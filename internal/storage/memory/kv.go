package memory

import (
	"bytes"
	"context"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/rendezvous/internal/storage"
)

// KV: storage.KV в памяти процесса для режима --dev и тестов.
type KV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewKV() *KV {
	return &KV{data: make(map[string][]byte)}
}

func (k *KV) Close() error { return nil }

func (k *KV) Get(ctx context.Context, key string) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (k *KV) Set(ctx context.Context, key string, value []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.data[key] = bytes.Clone(value)
	return nil
}

func (k *KV) Delete(ctx context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.data, key)
	return nil
}

func (k *KV) Keys(ctx context.Context, pattern string) ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	keys := make([]string, 0, len(k.data))
	for key := range k.data {
		if matchKey(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// matchKey повторяет MATCH из Redis для шаблонов вида "prefix*": звёздочка
// захватывает и '/'. Прочие шаблоны сверяются через path.Match.
func matchKey(pattern, key string) bool {
	prefix, wildcard := strings.CutSuffix(pattern, "*")
	if !strings.ContainsAny(prefix, `*?[\`) {
		if wildcard {
			return strings.HasPrefix(key, prefix)
		}
		return key == prefix
	}
	ok, _ := path.Match(pattern, key)
	return ok
}

// Update держит блокировку на весь цикл чтение-изменение-запись.
func (k *KV) Update(ctx context.Context, key string, fn storage.Mutation) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	cur, ok := k.data[key]
	next, err := fn(bytes.Clone(cur))
	if err != nil {
		return err
	}
	if next == nil {
		delete(k.data, key)
		return nil
	}
	if ok && bytes.Equal(next, cur) {
		return nil
	}
	k.data[key] = bytes.Clone(next)
	return nil
}
