package ldap

import (
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Entry is a directory record. Attribute names are matched
// case-insensitively.
type Entry struct {
	DN    string
	attrs map[string]*attribute
}

type attribute struct {
	name   string
	values []string
	raw    [][]byte
}

// NewEntry builds an entry from string attribute values.
func NewEntry(dn string, attrs map[string][]string) *Entry {
	e := &Entry{DN: dn, attrs: make(map[string]*attribute, len(attrs))}
	for name, values := range attrs {
		raw := make([][]byte, len(values))
		for i, v := range values {
			raw[i] = []byte(v)
		}
		e.set(name, values, raw)
	}
	return e
}

func fromLDAP(le *ldap.Entry) *Entry {
	e := &Entry{DN: le.DN, attrs: make(map[string]*attribute, len(le.Attributes))}
	for _, a := range le.Attributes {
		e.set(a.Name, a.Values, a.ByteValues)
	}
	return e
}

func (e *Entry) set(name string, values []string, raw [][]byte) {
	e.attrs[strings.ToLower(name)] = &attribute{name: name, values: values, raw: raw}
}

// SetAttribute replaces the values of one attribute.
func (e *Entry) SetAttribute(name string, values ...string) {
	if e.attrs == nil {
		e.attrs = map[string]*attribute{}
	}
	raw := make([][]byte, len(values))
	for i, v := range values {
		raw[i] = []byte(v)
	}
	e.set(name, values, raw)
}

// Values returns every value of the attribute, or nil.
func (e *Entry) Values(name string) []string {
	if e == nil || name == "" {
		return nil
	}
	if strings.EqualFold(name, MatchByDN) {
		return []string{e.DN}
	}
	if a, ok := e.attrs[strings.ToLower(name)]; ok {
		return a.values
	}
	return nil
}

// Value returns the first value of the attribute, or "".
func (e *Entry) Value(name string) string {
	if v := e.Values(name); len(v) > 0 {
		return v[0]
	}
	return ""
}

// RawValue returns the first value of the attribute as bytes.
func (e *Entry) RawValue(name string) []byte {
	if e == nil || name == "" {
		return nil
	}
	if a, ok := e.attrs[strings.ToLower(name)]; ok && len(a.raw) > 0 {
		return a.raw[0]
	}
	return nil
}

// Has reports whether the attribute is present with at least one value.
func (e *Entry) Has(name string) bool {
	return len(e.Values(name)) > 0
}

// AttributeNames returns attribute names as reported by the server.
func (e *Entry) AttributeNames() []string {
	out := make([]string, 0, len(e.attrs))
	for _, a := range e.attrs {
		out = append(out, a.name)
	}
	return out
}

// Clone returns a deep copy, so hooks may alter it without touching the
// original.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := &Entry{DN: e.DN, attrs: make(map[string]*attribute, len(e.attrs))}
	for k, a := range e.attrs {
		c.attrs[k] = &attribute{
			name:   a.name,
			values: append([]string(nil), a.values...),
			raw:    append([][]byte(nil), a.raw...),
		}
	}
	return c
}

// FirstRDNValue returns the value of the first RDN of dn, e.g. "hpotter"
// for "cn=hpotter,ou=people,dc=hogwarts,dc=edu".
func FirstRDNValue(dn string) string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil || len(parsed.RDNs) == 0 || len(parsed.RDNs[0].Attributes) == 0 {
		return ""
	}
	return parsed.RDNs[0].Attributes[0].Value
}

// RDNValues returns the values of every RDN of dn whose type is attr.
func RDNValues(dn, attr string) []string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return nil
	}
	var out []string
	for _, rdn := range parsed.RDNs {
		for _, tv := range rdn.Attributes {
			if strings.EqualFold(tv.Type, attr) {
				out = append(out, tv.Value)
			}
		}
	}
	return out
}
