package policy

import (
	"unicode/utf8"
	"unsafe"
)

// maxStringLen bounds reads through length-prefixed pointers so a garbage
// length word is reported instead of faulting far past the object.
const maxStringLen = 1 << 20

// Encoding says how a string parameter is laid out in argument slots.
type Encoding string

const (
	// CString is a pointer to a null-terminated byte sequence in one slot.
	CString Encoding = "cstring"
	// GoString is a data pointer followed by a length, in two slots.
	GoString Encoding = "gostring"
	// WideString is a pointer to a null-terminated UTF-16 sequence in one
	// slot, as used by Windows APIs.
	WideString Encoding = "wide"
)

// Slots returns how many parameter slots the encoding occupies.
func (e Encoding) Slots() int {
	if e == GoString {
		return 2
	}
	return 1
}

// Read decodes the string starting at parameter i.
func (e Encoding) Read(params Parameters, i int) (string, error) {
	ptr, err := params.At(i)
	if err != nil {
		return "", err
	}
	switch e {
	case CString, "":
		return ReadCString(ptr)
	case GoString:
		n, err := params.At(i + 1)
		if err != nil {
			return "", err
		}
		return ReadGoString(ptr, n)
	case WideString:
		return ReadWideString(ptr)
	}
	return "", newRuleError(ParameterTypeConversion, "unknown string encoding %q", e)
}

// ReadCString decodes the null-terminated byte sequence at addr.
func ReadCString(addr uintptr) (string, error) {
	if addr == 0 {
		return "", newRuleError(StringConversion, "null C string pointer")
	}
	s := bytePtrToString((*byte)(unsafe.Pointer(addr)))
	if !utf8.ValidString(s) {
		return "", newRuleError(StringConversion, "C string at %#x is not valid UTF-8", addr)
	}
	return s, nil
}

// ReadGoString copies n bytes starting at addr.
func ReadGoString(addr, n uintptr) (string, error) {
	if n == 0 {
		return "", nil
	}
	if addr == 0 {
		return "", newRuleError(StringConversion, "null string pointer with length %d", n)
	}
	if n > maxStringLen {
		return "", newRuleError(StringConversion, "string length %d exceeds %d", n, maxStringLen)
	}
	s := string(unsafe.Slice((*byte)(unsafe.Pointer(addr)), n))
	if !utf8.ValidString(s) {
		return "", newRuleError(StringConversion, "string at %#x is not valid UTF-8", addr)
	}
	return s, nil
}

// ReadWideString decodes the null-terminated UTF-16 sequence at addr.
func ReadWideString(addr uintptr) (string, error) {
	if addr == 0 {
		return "", newRuleError(StringConversion, "null wide string pointer")
	}
	return utf16PtrToString((*uint16)(unsafe.Pointer(addr)))
}

// pointerAt reinterprets a parameter or return word as *T after a null
// check.
func pointerAt[T any](addr uintptr, what string) (*T, error) {
	if addr == 0 {
		return nil, newRuleError(ParameterTypeConversion, "null %s pointer", what)
	}
	return (*T)(unsafe.Pointer(addr)), nil
}
