package ldap

import (
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/bwmarrin/go-objectsid"
	"github.com/google/uuid"
)

var tokenPattern = regexp.MustCompile(`\[([^\[\]]+)\]`)

// AccountName returns the value the local account name is derived from.
func (s *ServerConfig) AccountName(entry *Entry) string {
	return strings.TrimSpace(entry.Value(s.AccountNameAttribute()))
}

// Mail returns the entry's address from the mail template when set,
// otherwise from the mail attribute.
func (s *ServerConfig) Mail(entry *Entry) string {
	if s.MailTemplate != "" {
		return ReplaceTokens(s.MailTemplate, entry)
	}
	return strings.TrimSpace(entry.Value(s.MailAttr))
}

// ReplaceTokens substitutes [attribute] tokens with the entry's first
// value of that attribute. [dn] yields the entry DN.
func ReplaceTokens(template string, entry *Entry) string {
	return tokenPattern.ReplaceAllStringFunc(template, func(tok string) string {
		return entry.Value(tok[1 : len(tok)-1])
	})
}

// PUID returns the persistent unique id of entry as text, or "" when the
// server has none configured or the entry lacks it.
func (s *ServerConfig) PUID(entry *Entry) string {
	if s.PUIDAttr == "" {
		return ""
	}
	if !s.PUIDBinary {
		return entry.Value(s.PUIDAttr)
	}

	raw := entry.RawValue(s.PUIDAttr)
	if len(raw) == 0 {
		return ""
	}
	switch s.PUIDEncoding {
	case PUIDGUID:
		if g, ok := decodeGUID(raw); ok {
			return g
		}
	case PUIDSID:
		return objectsid.Decode(raw).String()
	}
	return hex.EncodeToString(raw)
}

// decodeGUID renders an objectGUID, whose first three fields are stored
// little-endian.
func decodeGUID(raw []byte) (string, bool) {
	if len(raw) != 16 {
		return "", false
	}
	b := []byte{
		raw[3], raw[2], raw[1], raw[0],
		raw[5], raw[4],
		raw[7], raw[6],
	}
	b = append(b, raw[8:]...)
	id, err := uuid.FromBytes(b)
	if err != nil {
		return "", false
	}
	return id.String(), true
}
