package admission

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/tbourn/intake-guard/internal/identity"
)

// RequestPayload is the subset of a submission the gate needs. Business
// fields the gate does not understand travel in Fields untouched.
type RequestPayload struct {
	GroupKey string
	Category string
	Address  string
	Fields   map[string]string
}

func (p RequestPayload) value(field string) string {
	switch field {
	case FieldGroupKey:
		return p.GroupKey
	case FieldCategory:
		return p.Category
	case FieldAddress:
		return p.Address
	}
	return p.Fields[field]
}

// Fingerprint hashes the normalized values of fields for requestType.
// It returns "" when every selected field is empty, and the duplicate check
// is skipped for that request.
func Fingerprint(requestType string, p RequestPayload, fields []string) string {
	names := append([]string(nil), fields...)
	sort.Strings(names)

	h := sha256.New()
	h.Write([]byte(requestType))
	present := false
	for _, name := range names {
		v := identity.NormalizeText(p.value(name))
		if v != "" {
			present = true
		}
		h.Write([]byte{0})
		h.Write([]byte(name))
		h.Write([]byte{'='})
		h.Write([]byte(v))
	}
	if !present {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}
