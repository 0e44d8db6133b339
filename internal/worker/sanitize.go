// Copyright 2025 Tom Barlow
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

package worker

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// circularRef replaces a value revisited along its own ancestor chain.
const circularRef = "[Circular Reference]"

// Sanitize prepares a value for JSON persistence. Containers are walked
// with an identity set per branch: revisiting a map or slice already on
// the current ancestor chain yields "[Circular Reference]", while the
// same value reachable through sibling branches stays intact (each
// child walks with a copy of the seen set). Leaves that cannot be
// serialized to JSON are replaced with their type name in angle
// brackets.
func Sanitize(value any) any {
	return sanitize(value, nil)
}

func sanitize(value any, seen map[uintptr]bool) any {
	if value == nil {
		return nil
	}

	switch value.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return value
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return sanitize(rv.Elem().Interface(), seen)

	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		ptr := rv.Pointer()
		if seen[ptr] {
			return circularRef
		}
		branch := copySeen(seen)
		branch[ptr] = true
		return sanitize(rv.Elem().Interface(), branch)

	case reflect.Map:
		ptr := rv.Pointer()
		if seen[ptr] {
			return circularRef
		}
		branch := copySeen(seen)
		branch[ptr] = true

		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := fmt.Sprint(iter.Key().Interface())
			out[key] = sanitize(iter.Value().Interface(), branch)
		}
		return out

	case reflect.Slice:
		ptr := rv.Pointer()
		if seen[ptr] {
			return circularRef
		}
		branch := copySeen(seen)
		branch[ptr] = true

		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = sanitize(rv.Index(i).Interface(), branch)
		}
		return out

	case reflect.Array:
		// Array values copy on access, so they cannot alias an ancestor.
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = sanitize(rv.Index(i).Interface(), seen)
		}
		return out

	case reflect.Struct:
		if _, err := json.Marshal(value); err == nil {
			return value
		}
		return typeName(value)

	case reflect.Func, reflect.Chan, reflect.UnsafePointer,
		reflect.Complex64, reflect.Complex128:
		return typeName(value)

	default:
		if _, err := json.Marshal(value); err == nil {
			return value
		}
		return typeName(value)
	}
}

func copySeen(seen map[uintptr]bool) map[uintptr]bool {
	branch := make(map[uintptr]bool, len(seen)+1)
	for ptr := range seen {
		branch[ptr] = true
	}
	return branch
}

func typeName(value any) string {
	return fmt.Sprintf("<%T>", value)
}
