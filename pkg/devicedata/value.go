package devicedata

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// xsd types used on the CWMP wire
const (
	TypeString   = "xsd:string"
	TypeBoolean  = "xsd:boolean"
	TypeInt      = "xsd:int"
	TypeUnsigned = "xsd:unsignedInt"
	TypeDateTime = "xsd:dateTime"

	// dateTimeLayout keeps milliseconds so stamps survive a round trip
	dateTimeLayout = "2006-01-02T15:04:05.000Z07:00"
)

// Native converts a wire value to the Go value scripts and conditions see.
func Native(value, typ string) any {
	switch typ {
	case TypeBoolean:
		return value == "true" || value == "1"
	case TypeInt, TypeUnsigned, "xsd:long", "xsd:unsignedLong":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	case TypeDateTime:
		if ts, err := time.Parse(time.RFC3339, value); err == nil {
			return ts.UnixMilli()
		}
	}
	return value
}

// Format converts a Go value to a wire value. An explicit typ wins; otherwise
// the type is inferred from v.
func Format(v any, typ string) (string, string) {
	var s, inferred string
	switch x := v.(type) {
	case nil:
		s, inferred = "", TypeString
	case bool:
		s, inferred = strconv.FormatBool(x), TypeBoolean
	case int:
		s, inferred = strconv.Itoa(x), TypeInt
	case int64:
		s, inferred = strconv.FormatInt(x, 10), TypeInt
	case float64:
		if x == float64(int64(x)) {
			s, inferred = strconv.FormatInt(int64(x), 10), TypeInt
		} else {
			s, inferred = strconv.FormatFloat(x, 'f', -1, 64), TypeString
		}
	case string:
		s, inferred = x, TypeString
	default:
		s, inferred = fmt.Sprint(x), TypeString
	}
	if typ == "" {
		typ = inferred
	}
	if typ == TypeBoolean {
		s = strings.ToLower(s)
		if s == "1" {
			s = "true"
		} else if s == "0" {
			s = "false"
		}
	}
	if typ == TypeDateTime {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			s = time.UnixMilli(ms).UTC().Format(dateTimeLayout)
		}
	}
	return s, typ
}

// Compare orders two native values; strings compare lexically and numbers
// numerically. ok is false when a boolean meets a non-boolean.
func Compare(a, b any) (int, bool) {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ab == bb:
				return 0, true
			case !ab:
				return -1, true
			}
			return 1, true
		}
		return 0, false
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b)), true
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}
