package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger writes HMAC-signed JSON event lines. Verifiers recompute the
// signature over the event without its "sig" field.
type Logger struct {
	Enabled bool
	Secret  []byte

	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

func New(enabled bool, secret string) *Logger {
	return NewWithWriter(enabled, secret, os.Stdout)
}

func NewWithWriter(enabled bool, secret string, w io.Writer) *Logger {
	return &Logger{
		Enabled: enabled,
		Secret:  []byte(secret),
		out:     w,
		now:     time.Now,
	}
}

func (l *Logger) Sign(payload []byte) string {
	m := hmac.New(sha256.New, l.Secret)
	m.Write(payload)
	return hex.EncodeToString(m.Sum(nil))
}

// Verify checks a line produced by Write.
func (l *Logger) Verify(line []byte) bool {
	var ev map[string]any
	if err := json.Unmarshal(line, &ev); err != nil {
		return false
	}
	sig, _ := ev["sig"].(string)
	delete(ev, "sig")
	b, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(l.Sign(b)))
}

func (l *Logger) Write(event map[string]any) {
	if l == nil || !l.Enabled {
		return
	}

	tmp := make(map[string]any, len(event)+3)
	for k, v := range event {
		if k == "sig" {
			continue
		}
		tmp[k] = v
	}
	if _, ok := tmp["ts"]; !ok {
		tmp["ts"] = l.now().Unix()
	}
	if _, ok := tmp["event_id"]; !ok {
		tmp["event_id"] = uuid.NewString()
	}

	// sign without sig; json.Marshal sorts map keys so the payload is stable
	b, err := json.Marshal(tmp)
	if err != nil {
		return
	}
	tmp["sig"] = l.Sign(b)
	out, err := json.Marshal(tmp)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(append(out, '\n'))
}
