package listener

import "testing"

func TestDatagramPool_ReusesBuffers(t *testing.T) {
	buf := getDatagramBuffer()
	if len(*buf) != readBufferSize {
		t.Fatalf("pooled buffer length = %d, want %d", len(*buf), readBufferSize)
	}
	putDatagramBuffer(buf)

	again := getDatagramBuffer()
	if len(*again) != readBufferSize {
		t.Fatalf("reused buffer length = %d, want %d", len(*again), readBufferSize)
	}
	putDatagramBuffer(again)
}
