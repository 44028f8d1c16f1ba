// Package hashtable implements a hash table with a lock-free Get().
// Writers serialize on per-bucket locks; readers walk bucket chains through
// atomically published pointers and never block.
package hashtable

import "fmt"
import "hash/fnv"
import "sync"
import "sync/atomic"

type elem_t[K comparable, V any] struct {
	key     K
	value   V
	keyHash uint32
	next    atomic.Pointer[elem_t[K, V]]
}

type bucket_t[K comparable, V any] struct {
	sync.RWMutex
	first atomic.Pointer[elem_t[K, V]]
}

func (b *bucket_t[K, V]) len() int {
	b.RLock()
	defer b.RUnlock()

	l := 0
	for e := b.first.Load(); e != nil; e = e.next.Load() {
		l++
	}
	return l
}

// Hashtable_t maps keys to values. Get is lock-free; Set and Del take the
// bucket lock.
type Hashtable_t[K comparable, V any] struct {
	table    []*bucket_t[K, V]
	capacity int
}

// MkHash allocates a new Hashtable_t with the given number of buckets.
func MkHash[K comparable, V any](size int) *Hashtable_t[K, V] {
	ht := &Hashtable_t[K, V]{}
	ht.capacity = size
	ht.table = make([]*bucket_t[K, V], size)
	for i := range ht.table {
		ht.table[i] = &bucket_t[K, V]{}
	}
	return ht
}

func khash[K comparable](key K) uint32 {
	h := fnv.New32a()
	fmt.Fprintf(h, "%v", key)
	return h.Sum32()
}

func (ht *Hashtable_t[K, V]) hash(kh uint32) int {
	return int(kh % uint32(ht.capacity))
}

// Size returns the total number of elements stored in the table.
func (ht *Hashtable_t[K, V]) Size() int {
	n := 0
	for _, b := range ht.table {
		n += b.len()
	}
	return n
}

// Get looks up key without locking.
func (ht *Hashtable_t[K, V]) Get(key K) (V, bool) {
	kh := khash(key)
	b := ht.table[ht.hash(kh)]
	for e := b.first.Load(); e != nil; e = e.next.Load() {
		if e.keyHash == kh && e.key == key {
			return e.value, true
		}
	}
	var zero V
	return zero, false
}

// Set inserts or overwrites key. It returns the previous value and whether
// one existed.
func (ht *Hashtable_t[K, V]) Set(key K, value V) (V, bool) {
	kh := khash(key)
	b := ht.table[ht.hash(kh)]
	b.Lock()
	defer b.Unlock()

	for e := b.first.Load(); e != nil; e = e.next.Load() {
		if e.keyHash == kh && e.key == key {
			old := e.value
			e.value = value
			return old, true
		}
	}
	n := &elem_t[K, V]{key: key, value: value, keyHash: kh}
	// publish the element before linking it at the head so concurrent
	// readers never observe a half-built node
	n.next.Store(b.first.Load())
	b.first.Store(n)
	var zero V
	return zero, false
}

// Del removes key if present and reports whether it was found.
func (ht *Hashtable_t[K, V]) Del(key K) bool {
	kh := khash(key)
	b := ht.table[ht.hash(kh)]
	b.Lock()
	defer b.Unlock()

	var prev *elem_t[K, V]
	for e := b.first.Load(); e != nil; e = e.next.Load() {
		if e.keyHash == kh && e.key == key {
			if prev == nil {
				b.first.Store(e.next.Load())
			} else {
				prev.next.Store(e.next.Load())
			}
			return true
		}
		prev = e
	}
	return false
}

// Iter applies f to each element until f returns true. It may run
// concurrently with lookups, inserts and deletes.
func (ht *Hashtable_t[K, V]) Iter(f func(K, V) bool) {
	for _, b := range ht.table {
		for e := b.first.Load(); e != nil; e = e.next.Load() {
			if f(e.key, e.value) {
				return
			}
		}
	}
}
