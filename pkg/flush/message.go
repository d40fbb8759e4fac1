package flush

import (
	"encoding/json"

	"cache-flush/pkg/cdn"

	"github.com/jmgilman/go/errors"
)

// Message actions. They double as flush target names in metrics.
const (
	ActionDbcacheFlush            = "dbcache_flush"
	ActionMinifycacheFlush        = "minifycache_flush"
	ActionObjectcacheFlush        = "objectcache_flush"
	ActionFragmentcacheFlush      = "fragmentcache_flush"
	ActionFragmentcacheFlushGroup = "fragmentcache_flush_group"
	ActionBrowsercacheFlush       = "browsercache_flush"
	ActionCdnPurgeAll             = "cdn_purge_all"
	ActionCdnPurgeFiles           = "cdn_purge_files"
	ActionPgcacheCleanup          = "pgcache_cleanup"
	ActionOpcacheFlush            = "opcache_flush"
	ActionFlushPost               = "flush_post"
	ActionFlushPosts              = "flush_posts"
	ActionFlushAll                = "flush_all"
	ActionFlushGroup              = "flush_group"
	ActionFlushURL                = "flush_url"
	ActionPrimePost               = "prime_post"
)

// Message is one flush instruction sent to the other nodes.
type Message struct {
	Action     string     `json:"action"`
	Group      string     `json:"group,omitempty"`
	URL        string     `json:"url,omitempty"`
	PostID     int64      `json:"post_id,omitempty"`
	Extras     Extras     `json:"extras,omitempty"`
	PurgeFiles []cdn.File `json:"purgefiles,omitempty"`
}

// Signature is the stable serialization of m used for dedup.
func (m Message) Signature() string {
	data, err := json.Marshal(m)
	if err != nil {
		// Extras that cannot be encoded still need a distinct key.
		return m.Action + "\x00" + m.Group + "\x00" + m.URL
	}
	return string(data)
}

// Envelope is the batch published once per request.
type Envelope struct {
	ID       string    `json:"id,omitempty"`
	Actions  []Message `json:"actions"`
	BlogID   int       `json:"blog_id"`
	Host     string    `json:"host"`
	Hostname string    `json:"hostname"`
}

// Encode serializes the envelope.
func (e *Envelope) Encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", errors.Wrap(err, errors.CodeInternal, "failed to encode envelope")
	}
	return string(data), nil
}

// DecodeEnvelope parses a published envelope. A body carrying a single
// top-level action instead of an actions list is accepted as a one-message batch.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var raw struct {
		Envelope
		Message
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "invalid envelope")
	}

	env := raw.Envelope
	if len(env.Actions) == 0 {
		if raw.Message.Action == "" {
			return nil, errors.New(errors.CodeInvalidInput, "envelope carries no actions")
		}
		env.Actions = []Message{raw.Message}
	}
	return &env, nil
}
