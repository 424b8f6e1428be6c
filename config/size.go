package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/inhies/go-bytesize"
)

// Size is a number of bytes. It is written either as a plain byte count or
// with a unit suffix, like 64KB or 4MB (powers of 1024).
type Size uint64

// ParseSize parses a byte count with an optional unit suffix.
func ParseSize(s string) (Size, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return Size(n), nil
	}
	b, err := bytesize.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return Size(b), nil
}

func (s Size) String() string {
	b := bytesize.ByteSize(s)
	switch {
	case b != 0 && b%bytesize.GB == 0:
		return b.Format("%.0f", "GB", false)
	case b != 0 && b%bytesize.MB == 0:
		return b.Format("%.0f", "MB", false)
	case b != 0 && b%bytesize.KB == 0:
		return b.Format("%.0f", "KB", false)
	}
	return strconv.FormatUint(uint64(s), 10)
}

// Set implements flag.Value.
func (s *Size) Set(v string) error {
	n, err := ParseSize(v)
	if err != nil {
		return err
	}
	*s = n
	return nil
}

// UnmarshalYAML accepts both integers and suffixed strings.
func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v interface{}
	if err := unmarshal(&v); err != nil {
		return err
	}
	switch v := v.(type) {
	case int:
		if v < 0 {
			return fmt.Errorf("negative size %d", v)
		}
		*s = Size(v)
	case uint64:
		*s = Size(v)
	case string:
		return s.Set(v)
	default:
		return fmt.Errorf("invalid size %v", v)
	}
	return nil
}
