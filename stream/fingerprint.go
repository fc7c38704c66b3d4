package stream

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

// Fingerprint identifies the server-side session parameters of c. Two
// configs with the same fingerprint may share a socket. The API key is
// ignored.
func (c StartConfig) Fingerprint() string {
	hints := make([]string, len(c.LanguageHints))
	for i, h := range c.LanguageHints {
		hints[i] = strings.ToLower(h)
	}
	sort.Strings(hints)

	ctx := "none"
	if c.Context != nil {
		if b, err := json.Marshal(c.Context); err == nil {
			ctx = shortHash(string(b))
		}
	}
	return fmt.Sprintf("m=%s|sr=%d|ch=%d|h=%s|ctx=%s", c.Model, c.SampleRate, c.NumChannels, strings.Join(hints, ","), ctx)
}

// shortHash is 64-bit FNV-1a rendered as 16 hex digits.
func shortHash(s string) string {
	h := fnv.New64a()
	h.Write([]byte(s))
	return fmt.Sprintf("%016x", h.Sum64())
}
