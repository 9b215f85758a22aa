package astimsg

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

func Marshal(m *Message) ([]byte, error) {
	// Validate
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("astimsg: validating %s failed: %w", m, err)
	}

	// Marshal
	b, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("astimsg: marshaling %s failed: %w", m, err)
	}
	return b, nil
}

// m is reset first
func Unmarshal(b []byte, m *Message) error {
	// Reset
	m.Reset()

	// Unmarshal
	if err := msgpack.Unmarshal(b, m); err != nil {
		return fmt.Errorf("astimsg: unmarshaling failed: %w", err)
	}

	// Validate
	if err := m.Validate(); err != nil {
		return fmt.Errorf("astimsg: validating %s failed: %w", m, err)
	}
	return nil
}

func MarshalDictionary(d Dictionary) ([]byte, error) {
	b, err := msgpack.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("astimsg: marshaling dictionary failed: %w", err)
	}
	return b, nil
}

func UnmarshalDictionary(b []byte) (d Dictionary, err error) {
	if err = msgpack.Unmarshal(b, &d); err != nil {
		err = fmt.Errorf("astimsg: unmarshaling dictionary failed: %w", err)
		return
	}
	return
}
