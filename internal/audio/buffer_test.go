package audio

import (
	"bytes"
	"testing"
)

func packet(seq byte) []byte {
	return []byte{seq, seq}
}

func TestReorderBufferInOrder(t *testing.T) {
	buffer := NewReorderBuffer(12345, 5)

	var got []byte
	for seq := uint32(100); seq < 105; seq++ {
		out, err := buffer.Add(seq, packet(byte(seq)))
		if err != nil {
			t.Fatalf("Add(%d) failed: %v", seq, err)
		}
		got = append(got, out...)
	}

	want := []byte{100, 100, 101, 101, 102, 102, 103, 103, 104, 104}
	if !bytes.Equal(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	stats := buffer.GetStats()
	if stats.TotalPackets != 5 {
		t.Errorf("Expected 5 packets, got %d", stats.TotalPackets)
	}
	if stats.LastSequence != 104 {
		t.Errorf("Expected last sequence 104, got %d", stats.LastSequence)
	}
	if stats.DeliveredBytes != 10 {
		t.Errorf("Expected 10 delivered bytes, got %d", stats.DeliveredBytes)
	}
}

func TestReorderBufferOutOfOrder(t *testing.T) {
	buffer := NewReorderBuffer(1, 5)

	sequence := []uint32{1, 3, 4, 2, 5}
	var got []byte
	for _, seq := range sequence {
		out, err := buffer.Add(seq, packet(byte(seq)))
		if err != nil {
			t.Fatalf("Add(%d) failed: %v", seq, err)
		}
		got = append(got, out...)
	}

	want := []byte{1, 1, 2, 2, 3, 3, 4, 4, 5, 5}
	if !bytes.Equal(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if buffer.GetStats().LostPackets != 0 {
		t.Errorf("Expected no lost packets, got %d", buffer.GetStats().LostPackets)
	}
}

func TestReorderBufferGapTooLarge(t *testing.T) {
	buffer := NewReorderBuffer(1, 2)

	if _, err := buffer.Add(1, packet(1)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	// 2 and 3 never arrive
	out, _ := buffer.Add(4, packet(4))
	if len(out) != 0 {
		t.Errorf("Expected packet 4 to be held, got %v", out)
	}
	out, _ = buffer.Add(5, packet(5))
	if !bytes.Equal(out, []byte{4, 4, 5, 5}) {
		t.Errorf("Expected held packets released after gap, got %v", out)
	}

	stats := buffer.GetStats()
	if stats.LostPackets != 2 {
		t.Errorf("Expected 2 lost packets, got %d", stats.LostPackets)
	}
	if stats.PendingSeqs != 0 {
		t.Errorf("Expected no pending packets, got %d", stats.PendingSeqs)
	}
}

func TestReorderBufferDuplicates(t *testing.T) {
	buffer := NewReorderBuffer(1, 5)

	buffer.Add(10, packet(10))
	if _, err := buffer.Add(10, packet(10)); err == nil {
		t.Error("Expected error for duplicate of delivered packet")
	}

	buffer.Add(12, packet(12))
	if _, err := buffer.Add(12, packet(12)); err == nil {
		t.Error("Expected error for duplicate of held packet")
	}
}

func TestReorderBufferFlush(t *testing.T) {
	buffer := NewReorderBuffer(1, 10)

	buffer.Add(1, packet(1))
	buffer.Add(3, packet(3))
	buffer.Add(6, packet(6))

	got := buffer.Flush()
	if !bytes.Equal(got, []byte{3, 3, 6, 6}) {
		t.Errorf("Expected held packets in order, got %v", got)
	}
	if buffer.GetStats().LostPackets != 3 {
		t.Errorf("Expected 3 lost packets, got %d", buffer.GetStats().LostPackets)
	}
	if len(buffer.Flush()) != 0 {
		t.Error("Expected second flush to be empty")
	}
}

func TestReorderBufferExpected(t *testing.T) {
	buffer := NewReorderBuffer(1, 5)
	if _, ok := buffer.Expected(); ok {
		t.Error("Expected no sequence before the first packet")
	}

	buffer.Add(10, packet(10))
	buffer.Add(12, packet(12))
	if seq, ok := buffer.Expected(); !ok || seq != 11 {
		t.Errorf("Expected to wait for 11, got %d (%v)", seq, ok)
	}

	buffer.Add(11, packet(11))
	if seq, _ := buffer.Expected(); seq != 13 {
		t.Errorf("Expected to wait for 13, got %d", seq)
	}
}
