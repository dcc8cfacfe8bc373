package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/opensource-finance/vigil/internal/domain"
)

// Canonical renders a payload as canonical JSON: object keys sorted,
// numbers kept as their literal text, no insignificant whitespace.
// Canonical(Canonical(x)) == Canonical(x).
func Canonical(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	return out, nil
}

// record writes the hashed envelope of an entry. The stored payload bytes
// are included verbatim so any edit to the data column changes the hash.
func record(e *domain.AuditEntry) []byte {
	var buf bytes.Buffer
	buf.WriteString(`{"data":`)
	buf.Write(e.Payload)
	writeField(&buf, "event_result", e.EventResult)
	writeField(&buf, "event_type", string(e.EventType))
	writeField(&buf, "session_id", e.SessionID)
	writeField(&buf, "terminal_id", e.TerminalID)
	buf.WriteByte('}')
	return buf.Bytes()
}

func writeField(buf *bytes.Buffer, key, value string) {
	quoted, _ := json.Marshal(value)
	buf.WriteString(`,"` + key + `":`)
	buf.Write(quoted)
}

// ComputeHash returns hex(SHA-256(prevHash | record | timestamp | seq)).
// prevHash is passed separately so verification can feed the previous
// entry's stored hash rather than the entry's own prev_hash column.
func ComputeHash(prevHash string, e *domain.AuditEntry) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte{'|'})
	h.Write(record(e))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(e.Timestamp, 10)))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(e.Seq, 10)))
	return hex.EncodeToString(h.Sum(nil))
}
