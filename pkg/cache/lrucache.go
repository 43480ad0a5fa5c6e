package cache

import (
	"container/list"
)

// recencyIndex tracks the order in which keys were last used so that a
// bounded KeyedCache can evict the least recently used entry.
// It is not safe for concurrent use; KeyedCache guards it with its mutex.
type recencyIndex struct {
	ll    *list.List               // Front is most recently used.
	elems map[string]*list.Element // Fast key lookups.
}

func newRecencyIndex() *recencyIndex {
	return &recencyIndex{
		ll:    list.New(),
		elems: make(map[string]*list.Element),
	}
}

// touch marks key as the most recently used, adding it if absent.
func (r *recencyIndex) touch(key string) {
	if elem, ok := r.elems[key]; ok {
		r.ll.MoveToFront(elem)
		return
	}
	r.elems[key] = r.ll.PushFront(key)
}

// remove forgets key.
func (r *recencyIndex) remove(key string) {
	if elem, ok := r.elems[key]; ok {
		r.ll.Remove(elem)
		delete(r.elems, key)
	}
}

// oldest returns the least recently used key.
func (r *recencyIndex) oldest() (string, bool) {
	elem := r.ll.Back()
	if elem == nil {
		return "", false
	}
	return elem.Value.(string), true
}

func (r *recencyIndex) len() int {
	return r.ll.Len()
}

func (r *recencyIndex) reset() {
	r.ll.Init()
	r.elems = make(map[string]*list.Element)
}
