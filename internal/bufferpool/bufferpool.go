// Package bufferpool recycles the fixed-size scratch buffers incoming
// blocks are read into, so a busy swarm does not allocate a fresh 16 KiB
// slice for every PIECE message on the wire.
package bufferpool

import "sync"

// Pool hands out Buffers backed by fixed-capacity byte slices. All
// buffers of one Pool share the same capacity; Get slices them down to
// the requested length.
type Pool struct {
	capacity int
	free     sync.Pool
}

// New returns a Pool of buffers with the given capacity.
func New(capacity int) *Pool {
	p := &Pool{capacity: capacity}
	p.free.New = func() interface{} {
		mem := make([]byte, capacity)
		return &mem
	}
	return p
}

// Get returns a Buffer whose Data is length bytes long. length must not
// exceed the Pool's capacity. The caller owns Data until Release.
func (p *Pool) Get(length int) Buffer {
	if length > p.capacity {
		panic("bufferpool: requested length exceeds pool capacity")
	}
	mem := p.free.Get().(*[]byte)
	return Buffer{Data: (*mem)[:length], mem: mem, owner: p}
}

// Buffer is a leased slice. Data stays valid until Release; after
// Release the backing memory may be handed to another Get.
type Buffer struct {
	Data  []byte
	mem   *[]byte
	owner *Pool
}

// Release returns the backing memory to the Pool. Releasing the zero
// Buffer is a no-op, so error paths can release unconditionally.
func (b Buffer) Release() {
	if b.owner == nil {
		return
	}
	b.owner.free.Put(b.mem)
}
