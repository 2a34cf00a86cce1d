package jdl

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type ValueKind int

const (
	KindString ValueKind = iota
	KindInt
	KindFloat
	KindBool
	KindList
	// KindExpression holds any value the parser does not interpret, such as a requirements expression.
	KindExpression
)

// Value is a single attribute value of a ClassAd.
type Value struct {
	Kind  ValueKind
	Str   string
	Int   int64
	Float float64
	Bool  bool
	List  []Value
}

func String(s string) Value { return Value{Kind: KindString, Str: s} }
func Int(i int64) Value     { return Value{Kind: KindInt, Int: i} }
func Bool(b bool) Value     { return Value{Kind: KindBool, Bool: b} }

func StringList(items ...string) Value {
	list := make([]Value, len(items))
	for i, item := range items {
		list[i] = String(item)
	}
	return Value{Kind: KindList, List: list}
}

func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return strconv.Quote(v.Str)
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindList:
		items := make([]string, len(v.List))
		for i, item := range v.List {
			items[i] = item.String()
		}
		return "{" + strings.Join(items, ", ") + "}"
	default:
		return v.Str
	}
}

func (v Value) clone() Value {
	if v.Kind != KindList {
		return v
	}
	out := v
	out.List = make([]Value, len(v.List))
	for i, item := range v.List {
		out.List[i] = item.clone()
	}
	return out
}

// ClassAd is an ordered set of attributes. Attribute names are case-insensitive.
type ClassAd struct {
	names  []string
	values map[string]Value
}

func NewClassAd() *ClassAd {
	return &ClassAd{values: map[string]Value{}}
}

func (ad *ClassAd) Set(name string, value Value) {
	key := strings.ToLower(name)
	if _, ok := ad.values[key]; !ok {
		ad.names = append(ad.names, name)
	}
	ad.values[key] = value
}

func (ad *ClassAd) Get(name string) (Value, bool) {
	v, ok := ad.values[strings.ToLower(name)]
	return v, ok
}

func (ad *ClassAd) Has(name string) bool {
	_, ok := ad.values[strings.ToLower(name)]
	return ok
}

func (ad *ClassAd) Delete(name string) {
	key := strings.ToLower(name)
	if _, ok := ad.values[key]; !ok {
		return
	}
	delete(ad.values, key)
	for i, n := range ad.names {
		if strings.ToLower(n) == key {
			ad.names = append(ad.names[:i], ad.names[i+1:]...)
			break
		}
	}
}

// Names returns the attribute names in insertion order.
func (ad *ClassAd) Names() []string {
	return append([]string(nil), ad.names...)
}

func (ad *ClassAd) GetString(name string) (string, bool) {
	v, ok := ad.Get(name)
	if !ok {
		return "", false
	}
	switch v.Kind {
	case KindString, KindExpression:
		return v.Str, true
	case KindList:
		if len(v.List) == 1 {
			return v.List[0].Str, true
		}
		return "", false
	default:
		return v.String(), true
	}
}

// GetInt accepts integers, integral floats and numeric strings.
func (ad *ClassAd) GetInt(name string) (int64, bool, error) {
	v, ok := ad.Get(name)
	if !ok {
		return 0, false, nil
	}
	switch v.Kind {
	case KindInt:
		return v.Int, true, nil
	case KindFloat:
		return int64(v.Float), true, nil
	case KindString:
		i, err := strconv.ParseInt(strings.TrimSpace(v.Str), 10, 64)
		if err != nil {
			return 0, true, errors.Errorf("attribute %s: %q is not an integer", name, v.Str)
		}
		return i, true, nil
	default:
		return 0, true, errors.Errorf("attribute %s: %s is not an integer", name, v.String())
	}
}

func (ad *ClassAd) GetBool(name string) (bool, bool, error) {
	v, ok := ad.Get(name)
	if !ok {
		return false, false, nil
	}
	switch v.Kind {
	case KindBool:
		return v.Bool, true, nil
	case KindString, KindExpression:
		b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(v.Str)))
		if err != nil {
			return false, true, errors.Errorf("attribute %s: %q is not a boolean", name, v.Str)
		}
		return b, true, nil
	case KindInt:
		return v.Int != 0, true, nil
	default:
		return false, true, errors.Errorf("attribute %s: %s is not a boolean", name, v.String())
	}
}

// GetStringList returns list attributes as strings. A scalar is treated as a one element list,
// and a comma separated string is split.
func (ad *ClassAd) GetStringList(name string) ([]string, bool) {
	v, ok := ad.Get(name)
	if !ok {
		return nil, false
	}
	var out []string
	add := func(s string) {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	if v.Kind == KindList {
		for _, item := range v.List {
			if item.Kind == KindString || item.Kind == KindExpression {
				add(item.Str)
			} else {
				out = append(out, item.String())
			}
		}
		return out, true
	}
	if v.Kind == KindString || v.Kind == KindExpression {
		add(v.Str)
		return out, true
	}
	return []string{v.String()}, true
}

func (ad *ClassAd) Clone() *ClassAd {
	out := &ClassAd{
		names:  append([]string(nil), ad.names...),
		values: make(map[string]Value, len(ad.values)),
	}
	for k, v := range ad.values {
		out.values[k] = v.clone()
	}
	return out
}

// String serialises the ad so that Parse(ad.String()) yields an equivalent ad.
func (ad *ClassAd) String() string {
	var sb strings.Builder
	sb.WriteString("[\n")
	for _, name := range ad.names {
		sb.WriteString("    ")
		sb.WriteString(name)
		sb.WriteString(" = ")
		sb.WriteString(ad.values[strings.ToLower(name)].String())
		sb.WriteString(";\n")
	}
	sb.WriteString("]")
	return sb.String()
}
