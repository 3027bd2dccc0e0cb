package executor

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Kind tags the scalar held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindTime:
		return "time"
	default:
		return "unknown"
	}
}

// Value is a tagged scalar. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	raw  []byte
	t    time.Time
}

func Null() Value                 { return Value{} }
func BoolValue(b bool) Value      { return Value{kind: KindBool, b: b} }
func IntValue(i int64) Value      { return Value{kind: KindInt, i: i} }
func FloatValue(f float64) Value  { return Value{kind: KindFloat, f: f} }
func StringValue(s string) Value  { return Value{kind: KindString, s: s} }
func TimeValue(t time.Time) Value { return Value{kind: KindTime, t: t} }
func BytesValue(b []byte) Value   { return Value{kind: KindBytes, raw: bytes.Clone(b)} }

func (v Value) Kind() Kind      { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }
func (v Value) Bool() bool      { return v.b }
func (v Value) Int() int64      { return v.i }
func (v Value) Float() float64  { return v.f }
func (v Value) Str() string     { return v.s }
func (v Value) Bytes() []byte   { return v.raw }
func (v Value) Time() time.Time { return v.t }

// Any returns the Go value, or nil for null.
func (v Value) Any() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBytes:
		return v.raw
	case KindTime:
		return v.t
	default:
		return nil
	}
}

// String renders the value as text, the way a text-format wire protocol
// would. Null renders as the empty string.
func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	case KindBytes:
		return `\x` + fmt.Sprintf("%x", v.raw)
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	default:
		return ""
	}
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case KindString:
		return v.s == o.s
	case KindBytes:
		return bytes.Equal(v.raw, o.raw)
	case KindTime:
		return v.t.Equal(o.t)
	default:
		return true
	}
}

type valueJSON struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	out := valueJSON{Type: v.kind.String(), Value: v.Any()}
	switch v.kind {
	case KindBytes:
		out.Value = base64.StdEncoding.EncodeToString(v.raw)
	case KindTime:
		out.Value = v.t.Format(time.RFC3339Nano)
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			out.Value = strconv.FormatFloat(v.f, 'g', -1, 64)
		}
	}
	return json.Marshal(out)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var in struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch in.Type {
	case "null", "":
		*v = Null()
	case "bool":
		var b bool
		if err := json.Unmarshal(in.Value, &b); err != nil {
			return err
		}
		*v = BoolValue(b)
	case "int":
		var i int64
		if err := json.Unmarshal(in.Value, &i); err != nil {
			return err
		}
		*v = IntValue(i)
	case "float":
		var f float64
		if err := json.Unmarshal(in.Value, &f); err != nil {
			var s string
			if json.Unmarshal(in.Value, &s) != nil {
				return err
			}
			if f, err = strconv.ParseFloat(s, 64); err != nil {
				return err
			}
		}
		*v = FloatValue(f)
	case "string":
		var s string
		if err := json.Unmarshal(in.Value, &s); err != nil {
			return err
		}
		*v = StringValue(s)
	case "bytes":
		var s string
		if err := json.Unmarshal(in.Value, &s); err != nil {
			return err
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return err
		}
		*v = BytesValue(b)
	case "time":
		var s string
		if err := json.Unmarshal(in.Value, &s); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		*v = TimeValue(t)
	default:
		return fmt.Errorf("unknown value type %q", in.Type)
	}
	return nil
}

// FromDriver converts a value scanned from database/sql into a Value.
// Types with no scalar equivalent are rendered as strings.
func FromDriver(src any) Value {
	switch x := src.(type) {
	case nil:
		return Null()
	case bool:
		return BoolValue(x)
	case int:
		return IntValue(int64(x))
	case int8:
		return IntValue(int64(x))
	case int16:
		return IntValue(int64(x))
	case int32:
		return IntValue(int64(x))
	case int64:
		return IntValue(x)
	case uint:
		return fromUint(uint64(x))
	case uint8:
		return IntValue(int64(x))
	case uint16:
		return IntValue(int64(x))
	case uint32:
		return IntValue(int64(x))
	case uint64:
		return fromUint(x)
	case float32:
		return FloatValue(float64(x))
	case float64:
		return FloatValue(x)
	case string:
		return StringValue(x)
	case []byte:
		return BytesValue(x)
	case time.Time:
		return TimeValue(x)
	case *string:
		if x == nil {
			return Null()
		}
		return StringValue(*x)
	case fmt.Stringer:
		return StringValue(x.String())
	default:
		return StringValue(fmt.Sprint(x))
	}
}

func fromUint(u uint64) Value {
	if u > math.MaxInt64 {
		return StringValue(strconv.FormatUint(u, 10))
	}
	return IntValue(int64(u))
}
