package sdk

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// stringify encodes v as compact JSON without HTML escaping, in struct field
// order. The result is byte-for-byte what gets signed and sent.
func stringify(v interface{}) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// sign returns the hex HMAC-SHA256 of message keyed with the private key
func sign(privateKey, message string) string {
	mac := hmac.New(sha256.New, []byte(privateKey))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
