package protocol

import "sync"

// registry хранит активные операции одного вида. Ссылка на обработчик живёт
// до терминального уведомления, даже если вызывающий её уже отпустил.
type registry[T any] struct {
	mu      sync.Mutex
	handles map[OperationID]T
}

func newRegistry[T any]() *registry[T] {
	return &registry[T]{handles: make(map[OperationID]T)}
}

func (r *registry[T]) add(id OperationID, h T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[id] = h
}

func (r *registry[T]) get(id OperationID) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	return h, ok
}

func (r *registry[T]) contains(id OperationID) bool {
	_, ok := r.get(id)
	return ok
}

func (r *registry[T]) remove(id OperationID) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	delete(r.handles, id)
	return h, ok
}

func (r *registry[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *registry[T]) drain() map[OperationID]T {
	r.mu.Lock()
	defer r.mu.Unlock()
	handles := r.handles
	r.handles = make(map[OperationID]T)
	return handles
}
