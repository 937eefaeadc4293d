// Package keylock сериализует работу по логическому ключу (пара собеседников, id комнаты).
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map выдаёт по мьютексу на ключ. Запись удаляется, когда её никто не держит и не ждёт.
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Map {
	return &Map{locks: make(map[string]*entry)}
}

// Lock ждёт освобождения ключа и возвращает функцию разблокировки.
func (m *Map) Lock(key string) (unlock func()) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.locks, key)
			}
			m.mu.Unlock()
		})
	}
}

// Len: число ключей, которые сейчас отслеживаются.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
