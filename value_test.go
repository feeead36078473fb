// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package portbridge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValueJSONEnvelope(t *testing.T) {
	v := MapValue(map[string]Value{
		"cmd":  StringValue("open"),
		"n":    NumberValue(3),
		"ok":   BoolValue(true),
		"none": Null(),
		"sub":  PortValue("__portbridge_port__1"),
		"raw":  BinaryValue(BinaryUint8, []byte{1, 2}),
		"big":  BinaryRefValue(BinaryBuffer, "blob:portbridge/abc"),
		"list": ArrayValue(NumberValue(1), StringValue("x")),
	})

	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"cmd": "open",
		"n": 3,
		"ok": true,
		"none": null,
		"sub": {"$bridge": "port", "id": "__portbridge_port__1"},
		"raw": {"$bridge": "uint8", "data": "AQI="},
		"big": {"$bridge": "buffer", "ref": "blob:portbridge/abc"},
		"list": [1, "x"]
	}`, string(data))

	var decoded Value
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, v.String(), decoded.String())

	fields := decoded.Fields()
	require.Equal(t, "__portbridge_port__1", fields["sub"].PortID())
	kind, raw, ref := fields["raw"].Binary()
	require.Equal(t, BinaryUint8, kind)
	require.Equal(t, []byte{1, 2}, raw)
	require.Empty(t, ref)
	kind, raw, ref = fields["big"].Binary()
	require.Equal(t, BinaryBuffer, kind)
	require.Nil(t, raw)
	require.Equal(t, "blob:portbridge/abc", ref)
	require.True(t, fields["sub"].IsTagged())
	require.False(t, fields["list"].IsTagged())
}

func TestValueCBORRoundTrip(t *testing.T) {
	v := ArrayValue(
		NumberValue(-2.5),
		BinaryValue(BinaryUint32, []byte{1, 0, 0, 0}),
		MapValue(map[string]Value{"p": PortValue("id-1")}),
	)
	codec := CBORCodec{}
	data, err := codec.Encode(v)
	require.NoError(t, err)

	var decoded Value
	require.NoError(t, codec.Decode(data, &decoded))
	require.Equal(t, v.String(), decoded.String())
	_, raw, _ := decoded.Items()[1].Binary()
	require.Equal(t, []byte{1, 0, 0, 0}, raw)
}

func TestValueDecodeMalformed(t *testing.T) {
	tests := map[string]string{
		"unknown marker": `{"$bridge": "uint64", "data": ""}`,
		"port without id": `{"$bridge": "port"}`,
		"marker not string": `{"$bridge": 1}`,
		"binary without payload": `{"$bridge": "uint8"}`,
		"bad base64": `{"$bridge": "uint8", "data": "!!"}`,
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			var v Value
			err := json.Unmarshal([]byte(input), &v)
			require.ErrorIs(t, err, ErrMalformedValue)
		})
	}
}

func TestValueString(t *testing.T) {
	v := MapValue(map[string]Value{
		"b": ArrayValue(NumberValue(1), NumberValue(0.5)),
		"a": StringValue("x"),
		"p": PortValue("id"),
		"r": BinaryRefValue(BinaryUint16, "blob:1"),
		"d": BinaryValue(BinaryBuffer, []byte{1, 2, 3}),
		"n": Null(),
		"t": BoolValue(false),
	})
	require.Equal(t, `{a:"x" b:[1 0.5] d:buffer[3 bytes] n:null p:port(id) r:uint16(blob:1) t:false}`, v.String())
	require.Equal(t, "map", KindMap.String())
	require.Equal(t, "kind(99)", Kind(99).String())
}

func TestParseBinaryKind(t *testing.T) {
	for _, kind := range []BinaryKind{BinaryUint8, BinaryUint16, BinaryUint32, BinaryBuffer} {
		parsed, err := ParseBinaryKind(kind.String())
		require.NoError(t, err)
		require.Equal(t, kind, parsed)
	}
	_, err := ParseBinaryKind("port")
	require.ErrorIs(t, err, ErrMalformedValue)
}
