// Package kfmt provides a minimal, allocation-free Printf implementation
// that kernel subsystems can safely call at any point after boot, including
// before the Go memory allocator has been bootstrapped.
package kfmt

import (
	"io"
	"unsafe"
)

// numBufSize is large enough for a 64-bit value in base 8 plus a sign.
const numBufSize = 32

var (
	missingArg = []byte("%!(MISSING)")
	badArgType = []byte("%!(BADTYPE)")
	badVerb    = []byte("%!(NOVERB)")
	extraArg   = []byte("%!(EXTRA)")
	trueValue  = []byte("true")
	falseValue = []byte("false")

	numBuf [numBufSize]byte

	// byteBuf is a shared single-byte buffer for emitting characters
	// without triggering an allocation.
	byteBuf = []byte{0}

	// earlyBuffer captures output generated before an output sink has
	// been registered.
	earlyBuffer ringBuffer

	// outputSink is where Printf sends its output. While nil, output is
	// redirected to earlyBuffer.
	outputSink io.Writer
)

// SetOutputSink registers w as the target for Printf output and drains any
// output accumulated in the early buffer into it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyBuffer)
	}
}

// Printf formats its arguments to the registered output sink. It supports a
// subset of the fmt verbs:
//
//	%s  string or byte slice
//	%o  integer, base 8
//	%d  integer, base 10
//	%x  integer, base 16, lower-case
//	%t  "true" or "false"
//
// An optional decimal width may precede the verb. Strings and base-10 values
// shorter than the width are left-padded with spaces; base-8 and base-16
// values are left-padded with zeroes.
//
// Printf never allocates. As a consequence it cannot print pointers (%p):
// that would pull in reflect, whose argument packing calls runtime.newobject
// and crashes the kernel when invoked before memory management is up.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but writes the formatted output to the
// supplied io.Writer. A nil writer targets the early buffer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var argIndex int

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			emitByte(w, format[i])
			continue
		}

		width := 0
		for i++; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == len(format) {
			emit(w, badVerb)
			break
		}

		if format[i] == '%' {
			emitByte(w, '%')
			continue
		}

		if argIndex >= len(args) {
			emit(w, missingArg)
			continue
		}

		arg := args[argIndex]
		argIndex++

		switch format[i] {
		case 'o':
			emitInt(w, arg, 8, width)
		case 'd':
			emitInt(w, arg, 10, width)
		case 'x':
			emitInt(w, arg, 16, width)
		case 's':
			emitString(w, arg, width)
		case 't':
			emitBool(w, arg)
		default:
			emit(w, badVerb)
		}
	}

	for ; argIndex < len(args); argIndex++ {
		emit(w, extraArg)
	}
}

// emitBool prints a formatted version of boolean value v.
func emitBool(w io.Writer, v interface{}) {
	bVal, isBool := v.(bool)
	if !isBool {
		emit(w, badArgType)
		return
	}

	if bVal {
		emit(w, trueValue)
	} else {
		emit(w, falseValue)
	}
}

// emitString prints a formatted version of string or []byte value v,
// left-padding with spaces up to width.
func emitString(w io.Writer, v interface{}, width int) {
	switch sVal := v.(type) {
	case string:
		for i := width - len(sVal); i > 0; i-- {
			emitByte(w, ' ')
		}
		// converting the string to a byte slice would allocate so the
		// bytes go out one at a time.
		for i := 0; i < len(sVal); i++ {
			emitByte(w, sVal[i])
		}
	case []byte:
		for i := width - len(sVal); i > 0; i-- {
			emitByte(w, ' ')
		}
		emit(w, sVal)
	default:
		emit(w, badArgType)
	}
}

// emitInt prints a formatted version of v in the requested base, left-padding
// up to width. All built-in signed and unsigned integer types are supported.
func emitInt(w io.Writer, v interface{}, base uint64, width int) {
	var (
		uVal     uint64
		sVal     int64
		negative bool
	)

	switch iVal := v.(type) {
	case uint8:
		uVal = uint64(iVal)
	case uint16:
		uVal = uint64(iVal)
	case uint32:
		uVal = uint64(iVal)
	case uint64:
		uVal = iVal
	case uint:
		uVal = uint64(iVal)
	case uintptr:
		uVal = uint64(iVal)
	case int8:
		sVal = int64(iVal)
	case int16:
		sVal = int64(iVal)
	case int32:
		sVal = int64(iVal)
	case int64:
		sVal = iVal
	case int:
		sVal = int64(iVal)
	default:
		emit(w, badArgType)
		return
	}

	if sVal < 0 {
		// Negating at int64 width yields the correct magnitude even
		// for MinInt64 once converted to uint64.
		negative = true
		uVal = uint64(-sVal)
	} else if sVal > 0 {
		uVal = uint64(sVal)
	}

	padCh := byte('0')
	if base == 10 {
		padCh = ' '
	}

	if width >= numBufSize {
		width = numBufSize - 1
	}

	// Fill numBuf right to left: digits, then the sign, then any padding.
	pos := numBufSize
	for {
		pos--
		digit := byte(uVal % base)
		if digit < 10 {
			numBuf[pos] = digit + '0'
		} else {
			numBuf[pos] = digit - 10 + 'a'
		}

		uVal /= base
		if uVal == 0 {
			break
		}
	}

	if negative && padCh == '0' {
		for numBufSize-pos < width-1 {
			pos--
			numBuf[pos] = padCh
		}
	}

	if negative {
		pos--
		numBuf[pos] = '-'
	}

	for numBufSize-pos < width {
		pos--
		numBuf[pos] = padCh
	}

	emit(w, numBuf[pos:])
}

// emitByte writes a single byte via the shared buffer.
func emitByte(w io.Writer, b byte) {
	byteBuf[0] = b
	emit(w, byteBuf)
}

// emit is a proxy that uses the runtime.noescape hack to hide p from the
// compiler's escape analysis. Without it the compiler cannot prove that p
// does not escape through the unknown io.Writer and flags it as escaping,
// which makes every Printf call allocate and crashes the kernel when called
// before the Go allocator is initialized.
func emit(w io.Writer, p []byte) {
	sinkWrite(w, noEscape(unsafe.Pointer(&p)))
}

func sinkWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
		return
	}
	earlyBuffer.Write(p)
}

// noEscape hides a pointer from escape analysis. Copied from
// runtime/stubs.go.
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
