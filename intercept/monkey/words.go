package monkey

import (
	"math"
	"reflect"
	"unsafe"
)

// Flatten appends the machine words of v to out in register-ABI order.
// Scalars, pointers, maps, chans and funcs take one word. A string is
// pointer then length, a slice pointer, length and capacity, an interface
// type then data. Floats are passed as their IEEE bits. Structs and arrays
// contribute their elements in order.
func Flatten(out []uintptr, v reflect.Value) []uintptr {
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			return append(out, 1)
		}
		return append(out, 0)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return append(out, uintptr(v.Int()))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return append(out, uintptr(v.Uint()))
	case reflect.Float32:
		return append(out, uintptr(math.Float32bits(float32(v.Float()))))
	case reflect.Float64:
		return append(out, uintptr(math.Float64bits(v.Float())))
	case reflect.Complex64:
		c := v.Complex()
		return append(out, uintptr(math.Float32bits(float32(real(c)))), uintptr(math.Float32bits(float32(imag(c)))))
	case reflect.Complex128:
		c := v.Complex()
		return append(out, uintptr(math.Float64bits(real(c))), uintptr(math.Float64bits(imag(c))))
	case reflect.Pointer, reflect.UnsafePointer, reflect.Map, reflect.Chan, reflect.Func:
		return append(out, v.Pointer())
	case reflect.String:
		s := v.String()
		return append(out, uintptr(unsafe.Pointer(unsafe.StringData(s))), uintptr(len(s)))
	case reflect.Slice:
		return append(out, v.Pointer(), uintptr(v.Len()), uintptr(v.Cap()))
	case reflect.Interface:
		if v.IsNil() {
			return append(out, 0, 0)
		}
		if !v.CanInterface() {
			// Unexported field: the type is reachable, the boxed data is not.
			t := v.Elem().Type()
			return append(out, (*[2]uintptr)(unsafe.Pointer(&t))[1], 0)
		}
		e := v.Elem().Interface()
		words := (*[2]uintptr)(unsafe.Pointer(&e))
		return append(out, words[0], words[1])
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			out = Flatten(out, v.Field(i))
		}
		return out
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			out = Flatten(out, v.Index(i))
		}
		return out
	}
	return out
}

// FlattenAll flattens every value of vs into one word list.
func FlattenAll(vs []reflect.Value) []uintptr {
	var out []uintptr
	for _, v := range vs {
		out = Flatten(out, v)
	}
	return out
}

// returnWord is the first word of the first result, or zero.
func returnWord(out []reflect.Value) uintptr {
	if len(out) == 0 {
		return 0
	}
	words := Flatten(nil, out[0])
	if len(words) == 0 {
		return 0
	}
	return words[0]
}
