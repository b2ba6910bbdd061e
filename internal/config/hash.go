package config

import (
	"encoding/json"
	"hash/fnv"
	"strconv"
)

// Fingerprint identifies a config by content: the FNV-64a of its canonical
// JSON, in hex. Formatting-only edits to the file keep the fingerprint, so
// an editor's burst of writes for one save reloads once. Nil gives "".
func Fingerprint(cfg *Config) string {
	if cfg == nil {
		return ""
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return strconv.FormatUint(h.Sum64(), 16)
}
