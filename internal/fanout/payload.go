package fanout

import (
	"encoding/base64"
	"unicode/utf8"
)

const EncodingBase64 = "base64"

// BinaryPayload carries a payload that is not valid UTF-8. JSON strings cannot hold such
// bytes without replacing them, so they travel base64 encoded instead.
type BinaryPayload struct {
	Encoding string `json:"encoding"`
	Data     string `json:"data"`
}

// Payload returns raw as an envelope data value: the string itself when it is valid UTF-8,
// otherwise a BinaryPayload.
func Payload(raw []byte) any {
	if utf8.Valid(raw) {
		return string(raw)
	}
	return BinaryPayload{Encoding: EncodingBase64, Data: base64.StdEncoding.EncodeToString(raw)}
}

// Decode returns the bytes behind an envelope data value produced by Payload, after a JSON
// round trip. ok is false for any other shape.
func Decode(data any) (raw []byte, ok bool) {
	switch v := data.(type) {
	case string:
		return []byte(v), true
	case map[string]any:
		if v["encoding"] != EncodingBase64 {
			return nil, false
		}
		s, isString := v["data"].(string)
		if !isString {
			return nil, false
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, false
		}
		return b, true
	}
	return nil, false
}
