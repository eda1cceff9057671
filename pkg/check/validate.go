package check

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Validatable is implemented by anything that has fields that should be validated.
type Validatable interface {
	Validate() []error
}

// ValidationError collects every failed check found while walking a value.
type ValidationError struct {
	Errs []error
}

func (v ValidationError) Error() string {
	msgs := make([]string, 0, len(v.Errs))
	for _, err := range v.Errs {
		msgs = append(msgs, err.Error())
	}
	sort.Strings(msgs)
	return fmt.Sprintf("check failed, %d errors found:\n\t%s", len(v.Errs), strings.Join(msgs, "\n\t"))
}

// Validate walks v and every value reachable from it through fields, slices, maps and pointers,
// calling Validate on each Validatable it finds. All failures are combined into one error.
func Validate(v interface{}) error {
	if errs := walk(reflect.ValueOf(v), "root"); len(errs) > 0 {
		return ValidationError{Errs: errs}
	}
	return nil
}

func walk(v reflect.Value, path string) []error {
	var errs []error
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return walk(v.Elem(), path)
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			errs = append(errs, walk(v.Index(i), fmt.Sprintf("%s[%d]", path, i))...)
		}
	case reflect.Map:
		for _, key := range v.MapKeys() {
			errs = append(errs, walk(v.MapIndex(key), fmt.Sprintf("%s[%v]", path, key.Interface()))...)
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if v.Field(i).CanInterface() {
				errs = append(errs, walk(v.Field(i), path+"."+v.Type().Field(i).Name)...)
			}
		}
	}

	if !v.IsValid() || !v.CanInterface() {
		return errs
	}
	// Validate may be declared on either the value or the pointer receiver, so check through an
	// addressable copy.
	addr := reflect.New(v.Type())
	addr.Elem().Set(v)
	if validatable, ok := addr.Interface().(Validatable); ok {
		for _, err := range validatable.Validate() {
			if err != nil {
				errs = append(errs, errors.Wrapf(err, "error found at %s", path))
			}
		}
	}
	return errs
}
