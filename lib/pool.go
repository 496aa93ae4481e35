package lib

import (
	"fmt"
	"log"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

var (
	emptySlice = make([]byte, bufferLength)
	Pool       *rp.RingPool
)

// Payload is a ring pool chunk holding queued server bytes.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload creates a pool chunk. Matches the ring pool's element
// constructor signature.
func NewPayload(params ...interface{}) rp.DataInterface {
	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

// Reset resets the content of the payload
func (p *Payload) Reset() {
	copy(p.payloadBytes, emptySlice)
	p.length = 0
}

// PrintContent prints the content of the payload
func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("payload copy: source length(%d) exceeds chunk length(%d)", len(src), len(p.payloadBytes))
	}
	copy(p.payloadBytes, src)
	p.length = len(src)
	return nil
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}

// pendingData is the per-connection queue of server bytes that did not
// fit the client window. A single chunk holds the whole read.
type pendingData struct {
	chunk *rp.Element
	size  int
	sofar int // bytes already emitted to the client
}

func newPendingData(src []byte) *pendingData {
	chunk := Pool.GetElement()
	if chunk == nil {
		log.Println("pending data: ring pool exhausted")
		return nil
	}
	if err := chunk.Data.(*Payload).Copy(src); err != nil {
		Pool.ReturnElement(chunk)
		log.Println("pending data:", err)
		return nil
	}
	return &pendingData{
		chunk: chunk,
		size:  len(src),
	}
}

func (p *pendingData) bytes() []byte {
	return p.chunk.Data.(*Payload).GetSlice()
}

func (p *pendingData) release() {
	if p.chunk != nil {
		Pool.ReturnElement(p.chunk)
		p.chunk = nil
	}
}
