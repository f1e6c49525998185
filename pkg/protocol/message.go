package protocol

import (
	"fmt"
	"sort"
	"strings"
)

// ParamKind is the wire type of a message parameter.
type ParamKind int

const (
	ParamUint ParamKind = iota
	ParamInt
	ParamBuffer
)

// Param is one named message parameter.
type Param struct {
	Name string
	Kind ParamKind
}

// MessageFormat describes one message, parsed from a format such as
// "load offset=%u data=%*s".
type MessageFormat struct {
	Name   string
	Format string
	ID     int
	Params []Param
}

// ParseFormat parses a message format string.
func ParseFormat(id int, format string) (*MessageFormat, error) {
	fields := strings.Fields(format)
	if len(fields) == 0 {
		return nil, fmt.Errorf("protocol: empty message format")
	}
	m := &MessageFormat{Name: fields[0], Format: format, ID: id}
	for _, arg := range fields[1:] {
		name, spec, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("protocol: bad parameter %q in %q", arg, format)
		}
		var kind ParamKind
		switch spec {
		case "%u", "%hu", "%c":
			kind = ParamUint
		case "%i", "%hi":
			kind = ParamInt
		case "%*s", "%.*s", "%s":
			kind = ParamBuffer
		default:
			return nil, fmt.Errorf("protocol: unknown type %q for %s in %q", spec, name, format)
		}
		m.Params = append(m.Params, Param{Name: name, Kind: kind})
	}
	return m, nil
}

// Message is a decoded message.
type Message struct {
	Name string
	Ints map[string]int32
	Bufs map[string][]byte
}

// Int returns an integer parameter, or 0 if absent.
func (m Message) Int(name string) int32 {
	return m.Ints[name]
}

// Bytes returns a buffer parameter.
func (m Message) Bytes(name string) []byte {
	return m.Bufs[name]
}

func (m Message) String() string {
	parts := []string{m.Name}
	names := make([]string, 0, len(m.Ints)+len(m.Bufs))
	for k := range m.Ints {
		names = append(names, k)
	}
	for k := range m.Bufs {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if b, ok := m.Bufs[k]; ok {
			parts = append(parts, fmt.Sprintf("%s=%x", k, b))
		} else {
			parts = append(parts, fmt.Sprintf("%s=%d", k, m.Ints[k]))
		}
	}
	return strings.Join(parts, " ")
}

// Dictionary maps message formats to ids in both directions.
type Dictionary struct {
	byName map[string]*MessageFormat
	byID   map[int]*MessageFormat
}

// NewDictionary builds a dictionary from format string to message id.
func NewDictionary(formats map[string]int) (*Dictionary, error) {
	d := &Dictionary{
		byName: make(map[string]*MessageFormat, len(formats)),
		byID:   make(map[int]*MessageFormat, len(formats)),
	}
	for format, id := range formats {
		m, err := ParseFormat(id, format)
		if err != nil {
			return nil, err
		}
		if _, dup := d.byName[m.Name]; dup {
			return nil, fmt.Errorf("protocol: duplicate message name %q", m.Name)
		}
		if other, dup := d.byID[id]; dup {
			return nil, fmt.Errorf("protocol: id %d used by %q and %q", id, other.Name, m.Name)
		}
		d.byName[m.Name] = m
		d.byID[id] = m
	}
	return d, nil
}

// MustDictionary is NewDictionary for static tables.
func MustDictionary(formats map[string]int) *Dictionary {
	d, err := NewDictionary(formats)
	if err != nil {
		panic(err)
	}
	return d
}

// Lookup returns the format for a message name.
func (d *Dictionary) Lookup(name string) (*MessageFormat, bool) {
	m, ok := d.byName[name]
	return m, ok
}

// Encode encodes one message. Integer parameters take any integer type;
// buffer parameters take []byte of at most 255 bytes.
func (d *Dictionary) Encode(name string, args ...any) ([]byte, error) {
	m, ok := d.byName[name]
	if !ok {
		return nil, fmt.Errorf("protocol: unknown message %q", name)
	}
	if len(args) != len(m.Params) {
		return nil, fmt.Errorf("protocol: %s takes %d parameters, got %d", name, len(m.Params), len(args))
	}
	out := AppendVLQ(nil, int32(m.ID))
	for i, p := range m.Params {
		if p.Kind == ParamBuffer {
			b, ok := args[i].([]byte)
			if !ok {
				return nil, fmt.Errorf("protocol: %s.%s wants []byte, got %T", name, p.Name, args[i])
			}
			if len(b) > 0xff {
				return nil, fmt.Errorf("protocol: %s.%s buffer of %d bytes too long", name, p.Name, len(b))
			}
			out = append(out, byte(len(b)))
			out = append(out, b...)
			continue
		}
		v, err := toInt32(args[i])
		if err != nil {
			return nil, fmt.Errorf("protocol: %s.%s: %w", name, p.Name, err)
		}
		out = AppendVLQ(out, v)
	}
	return out, nil
}

// Decode decodes every message in a block payload.
func (d *Dictionary) Decode(payload []byte) ([]Message, error) {
	var msgs []Message
	pos := 0
	for pos < len(payload) {
		id, next, err := DecodeVLQ(payload, pos)
		if err != nil {
			return msgs, err
		}
		m, ok := d.byID[int(id)]
		if !ok {
			return msgs, fmt.Errorf("protocol: unknown message id %d", id)
		}
		pos = next
		msg := Message{Name: m.Name, Ints: make(map[string]int32)}
		for _, p := range m.Params {
			if p.Kind == ParamBuffer {
				if pos >= len(payload) {
					return msgs, ErrTruncated
				}
				end := pos + 1 + int(payload[pos])
				if end > len(payload) {
					return msgs, ErrTruncated
				}
				if msg.Bufs == nil {
					msg.Bufs = make(map[string][]byte)
				}
				msg.Bufs[p.Name] = append([]byte(nil), payload[pos+1:end]...)
				pos = end
				continue
			}
			v, next, err := DecodeVLQ(payload, pos)
			if err != nil {
				return msgs, err
			}
			msg.Ints[p.Name] = v
			pos = next
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func toInt32(v any) (int32, error) {
	switch n := v.(type) {
	case int:
		return int32(n), nil
	case int32:
		return n, nil
	case uint32:
		return int32(n), nil
	case uint16:
		return int32(n), nil
	case uint8:
		return int32(n), nil
	case int64:
		return int32(n), nil
	case uint64:
		return int32(n), nil
	default:
		return 0, fmt.Errorf("want integer, got %T", v)
	}
}
