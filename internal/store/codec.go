package store

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/starford/synapse/internal/vectorindex"
)

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// encodeVector packs an embedding; nil stays nil so the column is NULL.
func encodeVector(v []float32) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return msgpack.Marshal(v)
}

func decodeVector(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v []float32
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// encodeGraph serializes a graph snapshot as zstd-compressed msgpack.
func encodeGraph(s vectorindex.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).Encode(&s); err != nil {
		return nil, fmt.Errorf("encode graph: %w", err)
	}
	enc := getZstdEncoder()
	defer zstdEncoderPool.Put(enc)
	return enc.EncodeAll(buf.Bytes(), nil), nil
}

func decodeGraph(data []byte) (vectorindex.Snapshot, error) {
	dec := getZstdDecoder()
	defer zstdDecoderPool.Put(dec)
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return vectorindex.Snapshot{}, fmt.Errorf("decompress graph: %w", err)
	}
	var s vectorindex.Snapshot
	if err := msgpack.NewDecoder(bytes.NewReader(raw)).Decode(&s); err != nil {
		return vectorindex.Snapshot{}, fmt.Errorf("decode graph: %w", err)
	}
	return s, nil
}
