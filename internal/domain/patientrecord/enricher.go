package patientrecord

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ehr/facade/internal/platform/fhir"
	"github.com/ehr/facade/internal/platform/provider"
)

// ProvenanceExtensionURL identifies the meta extension carrying the source
// id of the provider a result came from.
const ProvenanceExtensionURL = "https://ehr-facade.dev/fhir/StructureDefinition/provider-source"

// EnrichBundle stamps b's meta with the provider's provenance extension and
// coding tag. b is modified in place and returned.
func EnrichBundle(info provider.Info, b *fhir.Bundle) (*fhir.Bundle, error) {
	if b == nil {
		return nil, &EnrichmentError{Provider: info.Name, Err: errors.New("no bundle returned")}
	}
	meta := b.EnsureMeta()
	meta.Extension = append(meta.Extension, provenanceExtension(info))
	meta.Tag = append(meta.Tag, providerTag(info))
	return b, nil
}

// EnrichSerialised applies the same stamps as EnrichBundle to a serialised
// FHIR resource. The payload must be a JSON object whose meta, if present,
// is also an object. Members keep their order and bytes; only meta changes.
func EnrichSerialised(info provider.Info, raw string) (string, error) {
	doc, err := decodeMembers([]byte(raw))
	if err != nil {
		return "", &EnrichmentError{Provider: info.Name, Err: fmt.Errorf("payload is not a JSON object: %w", err)}
	}

	var meta members
	if m, ok := doc.get("meta"); ok && !isNull(m) {
		if meta, err = decodeMembers(m); err != nil {
			return "", &EnrichmentError{Provider: info.Name, Err: errors.New("meta is not an object")}
		}
	}

	if err := meta.appendTo("extension", provenanceExtension(info)); err != nil {
		return "", &EnrichmentError{Provider: info.Name, Err: err}
	}
	if err := meta.appendTo("tag", providerTag(info)); err != nil {
		return "", &EnrichmentError{Provider: info.Name, Err: err}
	}

	encodedMeta, err := meta.encode()
	if err != nil {
		return "", &EnrichmentError{Provider: info.Name, Err: err}
	}
	if !doc.replace("meta", encodedMeta) {
		doc = doc.insertAfter(encodedMeta, "id", "resourceType")
	}

	out, err := doc.encode()
	if err != nil {
		return "", &EnrichmentError{Provider: info.Name, Err: err}
	}
	return string(out), nil
}

type member struct {
	key   string
	value json.RawMessage
}

// members is a JSON object decoded one level deep, in document order.
type members []member

func decodeMembers(data []byte) (members, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("expected an object")
	}

	var out members
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := tok.(string)
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, member{key: key, value: v})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after the object")
	}
	return out, nil
}

func (m members) get(key string) (json.RawMessage, bool) {
	for _, mem := range m {
		if mem.key == key {
			return mem.value, true
		}
	}
	return nil, false
}

func (m members) replace(key string, v json.RawMessage) bool {
	for i := range m {
		if m[i].key == key {
			m[i].value = v
			return true
		}
	}
	return false
}

// insertAfter adds meta after the first of anchors present, or first when
// none is.
func (m members) insertAfter(v json.RawMessage, anchors ...string) members {
	at := 0
	for _, anchor := range anchors {
		found := false
		for i, mem := range m {
			if mem.key == anchor {
				at, found = i+1, true
				break
			}
		}
		if found {
			break
		}
	}
	out := make(members, 0, len(m)+1)
	out = append(out, m[:at]...)
	out = append(out, member{key: "meta", value: v})
	return append(out, m[at:]...)
}

// appendTo appends v to the array under key. A null or absent value starts a
// new array; any other non-array value is an error.
func (m *members) appendTo(key string, v any) error {
	item, err := marshalRaw(v)
	if err != nil {
		return err
	}
	var list []json.RawMessage
	if existing, ok := m.get(key); ok && !isNull(existing) {
		if err := json.Unmarshal(existing, &list); err != nil {
			return fmt.Errorf("meta.%s is not an array", key)
		}
	}
	encoded, err := marshalRaw(append(list, item))
	if err != nil {
		return err
	}
	if !m.replace(key, encoded) {
		*m = append(*m, member{key: key, value: encoded})
	}
	return nil
}

func (m members) encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, mem := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := marshalRaw(mem.key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(mem.value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// marshalRaw encodes v without HTML escaping so narrative markup is written
// as received.
func marshalRaw(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func provenanceExtension(info provider.Info) fhir.Extension {
	return fhir.Extension{URL: ProvenanceExtensionURL, ValueString: info.SourceID}
}

func providerTag(info provider.Info) fhir.Coding {
	return fhir.Coding{System: info.System, Code: info.Code, Display: info.DisplayName}
}
