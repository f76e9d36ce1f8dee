// Package env populates config structs from environment variables declared
// through `env:"NAME"` struct tags. Fields without a set variable keep their
// value, so callers seed defaults first and Load only overlays what the
// environment overrides.
package env

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"
)

// Validator is implemented by config sections that can check themselves.
// Load calls it on every nested struct after that struct's fields are set.
type Validator interface {
	Validate() error
}

// ErrNotStructPointer reports a Load argument that is not *struct.
type ErrNotStructPointer struct {
	Type string
}

func (e ErrNotStructPointer) Error() string {
	return fmt.Sprintf("env: want pointer to struct, got %s", e.Type)
}

// ErrInvalidValue reports an environment value that did not parse into its
// target field.
type ErrInvalidValue struct {
	Field  string
	EnvVar string
	Value  string
	Err    error
}

func (e ErrInvalidValue) Error() string {
	return fmt.Sprintf("env: %s=%q does not parse into field %s: %v", e.EnvVar, e.Value, e.Field, e.Err)
}

func (e ErrInvalidValue) Unwrap() error { return e.Err }

var durationType = reflect.TypeOf(time.Duration(0))

// Load overlays PP_*-style environment variables onto v, recursing into
// nested structs, then validates v and every nested section implementing
// Validator. Supported field types: string, bool, the signed int sizes,
// float64 and time.Duration.
func Load(v any) error {
	ptr := reflect.ValueOf(v)
	if ptr.Kind() != reflect.Pointer || ptr.Elem().Kind() != reflect.Struct {
		return ErrNotStructPointer{Type: fmt.Sprintf("%T", v)}
	}
	if err := walk(ptr.Elem()); err != nil {
		return err
	}
	if root, ok := v.(Validator); ok {
		return root.Validate()
	}
	return nil
}

func walk(sv reflect.Value) error {
	st := sv.Type()
	for i := range sv.NumField() {
		fv := sv.Field(i)
		if !fv.CanSet() {
			continue
		}

		if fv.Kind() == reflect.Struct && fv.Type() != reflect.TypeOf(time.Time{}) {
			if err := walk(fv); err != nil {
				return err
			}
			if fv.CanAddr() {
				if section, ok := fv.Addr().Interface().(Validator); ok {
					if err := section.Validate(); err != nil {
						return err
					}
				}
			}
			continue
		}

		key := st.Field(i).Tag.Get("env")
		if key == "" {
			continue
		}
		raw, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if err := assign(fv, raw); err != nil {
			return ErrInvalidValue{Field: st.Field(i).Name, EnvVar: key, Value: raw, Err: err}
		}
	}
	return nil
}

func assign(fv reflect.Value, raw string) error {
	if fv.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		fv.SetInt(int64(d))
		return nil
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		fv.SetFloat(f)
	default:
		return fmt.Errorf("unsupported field kind %s", fv.Kind())
	}
	return nil
}
