// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package portbridge

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Codec names
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"

	// zstdSuffix selects zstd compression of another codec, e.g. "cbor+zstd"
	zstdSuffix = "+zstd"
)

// JSONCodec is a JSON-based codec
type JSONCodec struct{}

func (JSONCodec) Name() string { return CodecJSON }

func (JSONCodec) Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// CBORCodec encodes with CBOR Core Deterministic Encoding. Binary payloads
// travel as byte strings instead of base64 text.
type CBORCodec struct{}

func (CBORCodec) Name() string { return CodecCBOR }

func (CBORCodec) Encode(v interface{}) ([]byte, error) {
	return cborEncMode.Marshal(v)
}

func (CBORCodec) Decode(data []byte, v interface{}) error {
	return cborDecMode.Unmarshal(data, v)
}

// ZstdCodec compresses the output of Inner with zstd. It pays off for
// envelopes carrying large inline binaries.
type ZstdCodec struct {
	Inner Codec
}

func (c ZstdCodec) Name() string { return c.Inner.Name() + zstdSuffix }

func (c ZstdCodec) Encode(v interface{}) ([]byte, error) {
	data, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	return zstdEncoder.EncodeAll(data, nil), nil
}

func (c ZstdCodec) Decode(data []byte, v interface{}) error {
	plain, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("zstd decompress: %w", err)
	}
	return c.Inner.Decode(plain, v)
}

// defaultCodec is used when no codec is specified
var defaultCodec Codec = JSONCodec{}

// CodecByName returns the codec registered under name. The empty name
// selects the default JSON codec; a "+zstd" suffix compresses the named
// codec.
func CodecByName(name string) (Codec, error) {
	if inner, ok := strings.CutSuffix(name, zstdSuffix); ok && inner != "" {
		c, err := CodecByName(inner)
		if err != nil {
			return nil, err
		}
		return ZstdCodec{Inner: c}, nil
	}
	switch name {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecCBOR:
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, name)
	}
}

var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode

	// zstd.Encoder and zstd.Decoder are safe for concurrent use
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	cborEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("portbridge: CBOR encoder initialization failed: " + err.Error())
	}
	cborDecMode, err = cbor.DecOptions{
		// Envelope maps always have string keys; decode them the way the
		// JSON decoder does.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("portbridge: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("portbridge: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxFrameSize))
	if err != nil {
		panic("portbridge: zstd decoder initialization failed: " + err.Error())
	}
}
