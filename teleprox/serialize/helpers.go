package serialize

import (
	"bytes"
	"encoding/base64"
)

func bytesReaderOf(b []byte) *bytes.Reader { return bytes.NewReader(b) }

func base64Encode(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func base64Decode(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errBadBase64
	}
	return b, nil
}
