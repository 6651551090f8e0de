package tensor

import (
	"fmt"
	"strings"
)

// DataType is the element type of a tensor.
type DataType int

const (
	NoType DataType = iota
	Float32
	Int32
	UInt8
	Int64
	Bool
	Int16
	Int8
	Float16
	Float64
)

var typeNames = map[DataType]string{
	NoType:  "notype",
	Float32: "float32",
	Int32:   "int32",
	UInt8:   "uint8",
	Int64:   "int64",
	Bool:    "bool",
	Int16:   "int16",
	Int8:    "int8",
	Float16: "float16",
	Float64: "float64",
}

func (t DataType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// Size returns the byte width of one element.
func (t DataType) Size() (int, error) {
	switch t {
	case Float32, Int32:
		return 4, nil
	case UInt8, Int8, Bool:
		return 1, nil
	case Int64, Float64:
		return 8, nil
	case Int16, Float16:
		return 2, nil
	}
	return 0, fmt.Errorf("tensor: type %s has no element size", t)
}

// ParseDataType accepts the lower-case names produced by String.
func ParseDataType(s string) (DataType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Float32, nil
	}
	for t, name := range typeNames {
		if name == s && t != NoType {
			return t, nil
		}
	}
	return NoType, fmt.Errorf("unknown tensor type %q", s)
}
