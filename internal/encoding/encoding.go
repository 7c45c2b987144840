// Package encoding provides the binary primitives shared by the WAL and
// archive codecs: length-prefixed strings and dictionary encoding for
// repeated identifiers.
package encoding

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// WriteString writes a length-prefixed string to the buffer.
func WriteString(buf *bytes.Buffer, s string) error {
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	if _, err := buf.WriteString(s); err != nil {
		return err
	}
	return nil
}

// ReadString reads a length-prefixed string from the reader.
func ReadString(reader *bytes.Reader) (string, error) {
	var length uint32
	if err := binary.Read(reader, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	if length == 0 {
		return "", nil
	}
	if length > uint32(reader.Len()) {
		return "", fmt.Errorf("invalid string length")
	}
	b := make([]byte, length)
	if _, err := reader.Read(b); err != nil {
		return "", err
	}
	return string(b), nil
}

// StringDictionary maps repeated strings to compact uint32 references.
// Index 0 is reserved for the empty string; stored values get 1-based
// indexes in insertion order.
type StringDictionary struct {
	index map[string]uint32
	items []string
}

// NewStringDictionary creates an empty dictionary.
func NewStringDictionary() *StringDictionary {
	return &StringDictionary{index: make(map[string]uint32)}
}

// Add interns a value and returns its index.
func (d *StringDictionary) Add(value string) uint32 {
	if value == "" {
		return 0
	}
	if idx, ok := d.index[value]; ok {
		return idx
	}
	idx := uint32(len(d.items)) + 1
	d.items = append(d.items, value)
	d.index[value] = idx
	return idx
}

// Len returns the number of interned values.
func (d *StringDictionary) Len() int {
	return len(d.items)
}

// WriteTo writes the dictionary table to a buffer. Call after every value
// has been added so references written later resolve on read.
func (d *StringDictionary) WriteTo(buf *bytes.Buffer) error {
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(d.items))); err != nil {
		return err
	}
	for _, item := range d.items {
		if err := WriteString(buf, item); err != nil {
			return err
		}
	}
	return nil
}

// ReadStringDictionary reads a dictionary table from a reader.
func ReadStringDictionary(reader *bytes.Reader) (*StringDictionary, error) {
	var count uint32
	if err := binary.Read(reader, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	dict := NewStringDictionary()
	for i := uint32(0); i < count; i++ {
		value, err := ReadString(reader)
		if err != nil {
			return nil, err
		}
		dict.Add(value)
	}
	return dict, nil
}

// WriteStringRef writes a value's dictionary reference to the buffer.
func (d *StringDictionary) WriteStringRef(buf *bytes.Buffer, value string) error {
	idx, ok := d.index[value]
	if !ok && value != "" {
		return fmt.Errorf("value not in dictionary: %q", value)
	}
	return binary.Write(buf, binary.LittleEndian, idx)
}

// ReadStringRef reads a dictionary reference and resolves it.
func (d *StringDictionary) ReadStringRef(reader *bytes.Reader) (string, error) {
	var idx uint32
	if err := binary.Read(reader, binary.LittleEndian, &idx); err != nil {
		return "", err
	}
	if idx == 0 {
		return "", nil
	}
	if idx-1 >= uint32(len(d.items)) {
		return "", fmt.Errorf("dictionary index out of range")
	}
	return d.items[idx-1], nil
}
