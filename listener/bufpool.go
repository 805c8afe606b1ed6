package listener

import "sync"

// datagramPool recycles the read buffer the ingress task reads each
// incoming UDP datagram into, avoiding a per-packet allocation in the
// hot path the way the teacher's packetPool avoided one per proxied
// packet.
var datagramPool = sync.Pool{
	New: func() any {
		buf := make([]byte, readBufferSize)
		return &buf
	},
}

func getDatagramBuffer() *[]byte {
	return datagramPool.Get().(*[]byte)
}

func putDatagramBuffer(buf *[]byte) {
	if buf != nil {
		datagramPool.Put(buf)
	}
}
