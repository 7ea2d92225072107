// Copyright 2020 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"encoding"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// field returns the field named by a dotted key such as "drivers.vfs_map_ahead".
func (c *Config) field(key string) (reflect.Value, bool) {
	obj := reflect.ValueOf(c).Elem()
	for _, part := range strings.Split(key, ".") {
		if obj.Kind() != reflect.Struct {
			return reflect.Value{}, false
		}
		st := obj.Type()
		found := false
		for i := 0; i < st.NumField(); i++ {
			if name, ok := st.Field(i).Tag.Lookup("toml"); ok && name == part {
				obj = obj.Field(i)
				found = true
				break
			}
		}
		if !found {
			return reflect.Value{}, false
		}
	}
	if obj.Kind() == reflect.Struct {
		// Sections can't be set directly.
		return reflect.Value{}, false
	}
	return obj, true
}

// Keys returns all settable keys in sorted order.
func (c *Config) Keys() []string {
	var keys []string
	var walk func(prefix string, t reflect.Type)
	walk = func(prefix string, t reflect.Type) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			name, ok := f.Tag.Lookup("toml")
			if !ok {
				continue
			}
			if f.Type.Kind() == reflect.Struct {
				walk(prefix+name+".", f.Type)
				continue
			}
			keys = append(keys, prefix+name)
		}
	}
	walk("", reflect.TypeOf(c).Elem())
	sort.Strings(keys)
	return keys
}

// Get returns the value of key formatted the way Override accepts it.
func (c *Config) Get(key string) (string, error) {
	f, ok := c.field(key)
	if !ok {
		return "", fmt.Errorf("key %q not found", key)
	}
	return getVal(f), nil
}

// Override writes a new value to key and validates the result. On error, c
// is left unchanged.
func (c *Config) Override(key, value string) error {
	f, ok := c.field(key)
	if !ok {
		return fmt.Errorf("key %q not found. Cannot set it to %q", key, value)
	}
	old := reflect.New(f.Type()).Elem()
	old.Set(f)
	if err := setVal(f, value); err != nil {
		return fmt.Errorf("error setting %s=%q: %w", key, value, err)
	}
	// Validates the config again to ensure it's left in a consistent state.
	if err := c.Validate(); err != nil {
		f.Set(old)
		return err
	}
	return nil
}

// ToArgs returns "key=value" pairs for every key that differs from the
// defaults, suitable for Override.
func (c *Config) ToArgs() []string {
	def := Default()
	var rv []string
	for _, key := range c.Keys() {
		val, _ := c.Get(key)
		if dval, _ := def.Get(key); val == dval {
			continue
		}
		rv = append(rv, key+"="+val)
	}
	return rv
}

var durationType = reflect.TypeOf(time.Duration(0))

func setVal(field reflect.Value, value string) error {
	if u, ok := field.Addr().Interface().(encoding.TextUnmarshaler); ok {
		return u.UnmarshalText([]byte(value))
	}
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}
	switch field.Kind() {
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(value, 0, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u, err := strconv.ParseUint(value, 0, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetUint(u)
	case reflect.String:
		field.SetString(value)
	default:
		panic("unknown type " + field.Kind().String())
	}
	return nil
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}

// Overrides collects repeated "key=value" command line arguments. It
// implements flag.Value.
type Overrides []string

// String implements flag.Value.String.
func (o *Overrides) String() string {
	return strings.Join(*o, ",")
}

// Set implements flag.Value.Set.
func (o *Overrides) Set(s string) error {
	if !strings.Contains(s, "=") {
		return fmt.Errorf("override %q must be key=value", s)
	}
	*o = append(*o, s)
	return nil
}

// Apply applies all overrides to c in order.
func (o Overrides) Apply(c *Config) error {
	for _, s := range o {
		key, value, _ := strings.Cut(s, "=")
		if err := c.Override(key, value); err != nil {
			return err
		}
	}
	return nil
}
