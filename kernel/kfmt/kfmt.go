// Package kfmt provides a minimal, allocation-free Printf implementation
// that is safe to use from the earliest stages of kernel initialization all
// the way down to the panic path.
package kfmt

import (
	"io"
	"unsafe"
)

// maxBufSize defines the buffer size for formatting numbers.
const maxBufSize = 32

const digits = "0123456789abcdef"

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	numBuf [maxBufSize]byte

	// byteBuf is a shared single-byte buffer used to emit format literals
	// without triggering a string-to-slice conversion.
	byteBuf = []byte(" ")

	// earlyPrintBuffer captures Printf output generated before an output
	// sink is registered.
	earlyPrintBuffer ringBuffer

	// outputSink is the io.Writer where Printf sends its output. While nil
	// output is redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the target for Printf output to w and replays any data
// accumulated in the early print buffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the io.Writer that currently receives Printf output.
// It returns nil while output is still buffered.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf formats its arguments and writes them to the registered output
// sink. Output generated before a sink is registered lands in a ring buffer
// and is replayed once SetOutputSink is called.
//
// Printf never allocates which makes it usable before the Go allocator is
// online and inside the panic path. It supports a subset of the fmt verbs:
//
// Strings:
//	%s the uninterpreted bytes of a string or byte slice
//
// Integers:
//	%o base 8
//	%d base 10
//	%x base 16, with lower-case letters for a-f
//
// Characters:
//	%c the byte described by the argument
//
// Booleans:
//	%t "true" or "false"
//
// Width is specified by an optional decimal number immediately preceding
// the verb. String and base-10 values shorter than the width are left-padded
// with spaces; base-8 and base-16 values are left-padded with zeroes.
//
// Pointer formatting (%p) is intentionally unsupported: it would pull in the
// reflect package whose itable setup calls into the allocator.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but writes the formatted output to the
// supplied io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		nextCh                       byte
		nextArgIndex                 int
		blockStart, blockEnd, padLen int
		fmtLen                       = len(format)
	)

	for blockEnd < fmtLen {
		nextCh = format[blockEnd]
		if nextCh != '%' {
			blockEnd++
			continue
		}

		writeStringBytes(w, format[blockStart:blockEnd])

		// Scan until the verb character is found.
		padLen = 0
		blockEnd++
	parseFmt:
		for ; blockEnd < fmtLen; blockEnd++ {
			nextCh = format[blockEnd]
			switch {
			case nextCh == '%':
				byteBuf[0] = '%'
				doWrite(w, byteBuf)
				break parseFmt
			case nextCh >= '0' && nextCh <= '9':
				padLen = (padLen * 10) + int(nextCh-'0')
				continue
			case nextCh == 'd' || nextCh == 'x' || nextCh == 'o' || nextCh == 's' || nextCh == 't' || nextCh == 'c':
				if nextArgIndex >= len(args) {
					doWrite(w, errMissingArg)
					break parseFmt
				}

				switch nextCh {
				case 'o':
					fmtInt(w, args[nextArgIndex], 8, padLen)
				case 'd':
					fmtInt(w, args[nextArgIndex], 10, padLen)
				case 'x':
					fmtInt(w, args[nextArgIndex], 16, padLen)
				case 's':
					fmtString(w, args[nextArgIndex], padLen)
				case 'c':
					fmtChar(w, args[nextArgIndex])
				case 't':
					fmtBool(w, args[nextArgIndex])
				}

				nextArgIndex++
				break parseFmt
			default:
				// Neither a pad digit nor a supported verb.
				doWrite(w, errNoVerb)
				break parseFmt
			}
		}
		blockStart, blockEnd = blockEnd+1, blockEnd+1
	}

	if blockStart < blockEnd && blockStart < fmtLen {
		end := blockEnd
		if end > fmtLen {
			end = fmtLen
		}
		writeStringBytes(w, format[blockStart:end])
	}

	// Flag any unused arguments.
	for ; nextArgIndex < len(args); nextArgIndex++ {
		doWrite(w, errExtraArg)
	}
}

// writeStringBytes emits s one byte at a time. Passing a string slice to an
// io.Writer directly would force a conversion that allocates.
func writeStringBytes(w io.Writer, s string) {
	for i := 0; i < len(s); i++ {
		byteBuf[0] = s[i]
		doWrite(w, byteBuf)
	}
}

// fmtBool prints a formatted version of boolean value v.
func fmtBool(w io.Writer, v interface{}) {
	switch bVal := v.(type) {
	case bool:
		if bVal {
			doWrite(w, trueValue)
		} else {
			doWrite(w, falseValue)
		}
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtChar prints the byte described by v.
func fmtChar(w io.Writer, v interface{}) {
	switch cVal := v.(type) {
	case byte:
		byteBuf[0] = cVal
		doWrite(w, byteBuf)
	case rune:
		byteBuf[0] = byte(cVal)
		doWrite(w, byteBuf)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtString prints a formatted version of string or []byte value v, applying
// the padding specified by padLen.
func fmtString(w io.Writer, v interface{}, padLen int) {
	switch sVal := v.(type) {
	case string:
		fmtRepeat(w, ' ', padLen-len(sVal))
		writeStringBytes(w, sVal)
	case []byte:
		fmtRepeat(w, ' ', padLen-len(sVal))
		doWrite(w, sVal)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtRepeat writes count bytes with value ch.
func fmtRepeat(w io.Writer, ch byte, count int) {
	for i := 0; i < count; i++ {
		byteBuf[0] = ch
		doWrite(w, byteBuf)
	}
}

// fmtInt prints out a formatted version of v in the requested base, applying
// the padding specified by padLen. All built-in signed and unsigned integer
// types are supported.
func fmtInt(w io.Writer, v interface{}, base, padLen int) {
	var (
		sval        int64
		uval        uint64
		negative    bool
		padCh       byte
		left, right int
	)

	if padLen >= maxBufSize {
		padLen = maxBufSize - 1
	}

	if base == 10 {
		padCh = ' '
	} else {
		padCh = '0'
	}

	switch iVal := v.(type) {
	case uint8:
		uval = uint64(iVal)
	case uint16:
		uval = uint64(iVal)
	case uint32:
		uval = uint64(iVal)
	case uint64:
		uval = iVal
	case uint:
		uval = uint64(iVal)
	case uintptr:
		uval = uint64(iVal)
	case int8:
		sval = int64(iVal)
	case int16:
		sval = int64(iVal)
	case int32:
		sval = int64(iVal)
	case int64:
		sval = iVal
	case int:
		sval = int64(iVal)
	default:
		doWrite(w, errWrongArgType)
		return
	}

	if sval < 0 {
		negative = true
		uval = uint64(-sval)
	} else if sval > 0 {
		uval = uint64(sval)
	}

	// Emit digits least-significant first; the buffer is reversed below.
	for right < maxBufSize {
		numBuf[right] = digits[uval%uint64(base)]
		right++

		uval /= uint64(base)
		if uval == 0 {
			break
		}
	}

	for ; right-left < padLen; right++ {
		numBuf[right] = padCh
	}

	// Place the negative sign on the rightmost blank pad character or append
	// it if there is no blank padding to consume.
	if negative {
		end := right - 1
		for ; end >= 0 && numBuf[end] == ' '; end-- {
		}

		if end == right-1 {
			numBuf[right] = '-'
			right++
		} else {
			numBuf[end+1] = '-'
		}
	}

	end := right
	for right = right - 1; left < right; left, right = left+1, right-1 {
		numBuf[left], numBuf[right] = numBuf[right], numBuf[left]
	}

	doWrite(w, numBuf[0:end])
}

// doWrite is a proxy that uses the runtime.noescape trick to hide p from the
// compiler's escape analysis. Without it the compiler cannot prove that p
// does not escape through the dynamic io.Writer call and flags it as
// escaping, which would make every Printf call allocate.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis. This function is copied
// over from runtime/stubs.go.
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
