package job

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Signature identifies a runnable unit: which registered function, with
// which arguments. A signature is immutable once stored.
type Signature struct {
	ID       int64          `json:"id,omitempty"`
	Module   string         `json:"module"`
	Function string         `json:"function"`
	Args     []any          `json:"args,omitempty"`
	Kwargs   map[string]any `json:"kwargs,omitempty"`
}

// Key is the registry lookup key: "module.function", or just the function
// when no module is set.
func (s Signature) Key() string {
	m := strings.TrimSpace(s.Module)
	f := strings.TrimSpace(s.Function)
	if m == "" {
		return f
	}
	return m + "." + f
}

// ParseKey splits "module.function" at the last dot.
func ParseKey(key string) (module, function string, err error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", fmt.Errorf("empty job key")
	}
	i := strings.LastIndex(key, ".")
	if i < 0 {
		return "", key, nil
	}
	if i == 0 || i == len(key)-1 {
		return "", "", fmt.Errorf("malformed job key %q", key)
	}
	return key[:i], key[i+1:], nil
}

// Fingerprint is a stable digest of key and arguments, used to dedupe
// stored signatures.
func (s Signature) Fingerprint() (string, error) {
	b, err := json.Marshal(struct {
		K  string         `json:"k"`
		A  []any          `json:"a"`
		KW map[string]any `json:"kw"`
	}{s.Key(), s.Args, s.Kwargs})
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", s.Key(), err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
