package store

import "testing"

func TestEmbeddingCodec(t *testing.T) {
	in := []float32{0, 1.5, -2.25, 3.14159}
	blob, ok := encodeEmbedding(in).([]byte)
	if !ok {
		t.Fatal("encodeEmbedding did not return a blob")
	}
	if len(blob) != 16 {
		t.Fatalf("blob length = %d, want 16", len(blob))
	}

	out, err := decodeEmbedding(blob)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range in {
		if out[i] != v {
			t.Errorf("out[%d] = %v, want %v", i, out[i], v)
		}
	}
}

func TestEncodeEmptyEmbeddingIsNull(t *testing.T) {
	if encodeEmbedding(nil) != nil {
		t.Error("nil vector should encode as NULL")
	}
	if encodeEmbedding([]float32{}) != nil {
		t.Error("empty vector should encode as NULL")
	}
}

func TestDecodeEmbeddingBadLength(t *testing.T) {
	if _, err := decodeEmbedding([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}
