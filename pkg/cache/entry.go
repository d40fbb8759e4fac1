package cache

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Entry is a versioned cache value.
type Entry struct {
	// Content is the cached payload body.
	Content []byte

	// Payload carries arbitrary extra fields stored alongside Content.
	Payload map[string]interface{}

	// KeyVersion is the group version the entry belongs to. Zero marks a soft-deleted entry.
	// Set stamps the current group version when this is zero.
	KeyVersion int64

	// KeyVersionAtCreation is the group version that was current when an
	// ahead-generated entry was produced. Zero for ordinary entries.
	KeyVersionAtCreation int64

	// ExpiresAt is the stale-serving grace marker. Zero when unset.
	ExpiresAt time.Time
}

// AheadExtension tags content generated for the next group version.
type AheadExtension struct {
	KeyVersion           int64 `json:"key_version"`
	KeyVersionAtCreation int64 `json:"key_version_at_creation"`
}

// Apply stamps the extension onto e.
func (x AheadExtension) Apply(e *Entry) {
	e.KeyVersion = x.KeyVersion
	e.KeyVersionAtCreation = x.KeyVersionAtCreation
}

// wireEntry is the serialized form. KeyVersion is a pointer so that data
// without a version field decodes as a miss rather than a soft delete.
type wireEntry struct {
	Content              []byte                 `msgpack:"content"`
	Payload              map[string]interface{} `msgpack:"payload,omitempty"`
	KeyVersion           *int64                 `msgpack:"key_version"`
	KeyVersionAtCreation int64                  `msgpack:"key_version_at_creation,omitempty"`
	ExpiresAt            int64                  `msgpack:"expires_at,omitempty"`
}

func encodeEntry(e *Entry) ([]byte, error) {
	v := e.KeyVersion
	w := wireEntry{
		Content:              e.Content,
		Payload:              e.Payload,
		KeyVersion:           &v,
		KeyVersionAtCreation: e.KeyVersionAtCreation,
	}
	if !e.ExpiresAt.IsZero() {
		w.ExpiresAt = e.ExpiresAt.Unix()
	}
	return msgpack.Marshal(&w)
}

// decodeEntry returns nil for corrupt data or data without a key version.
func decodeEntry(data []byte) *Entry {
	if len(data) == 0 {
		return nil
	}
	var w wireEntry
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil
	}
	if w.KeyVersion == nil {
		return nil
	}
	e := &Entry{
		Content:              w.Content,
		Payload:              w.Payload,
		KeyVersion:           *w.KeyVersion,
		KeyVersionAtCreation: w.KeyVersionAtCreation,
	}
	if w.ExpiresAt > 0 {
		e.ExpiresAt = time.Unix(w.ExpiresAt, 0)
	}
	return e
}
