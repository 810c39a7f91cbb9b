// Package sortkey generates fractional-index keys: strings that sort
// lexicographically between two neighbours without renumbering the others.
//
// A key is an integer part followed by an optional fraction. The head byte of
// the integer part encodes its length ('a'..'z' for 2..27 bytes of positive
// integers, 'Z'..'A' for negatives), the remaining bytes are base62 digits.
// The fraction never ends in the zero digit, so every key has exactly one
// spelling and the byte order of keys equals their numeric order.
package sortkey

import (
	"fmt"
	"strings"

	"notetree/api/internal/fault"
)

const digits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// MaxLength caps generated keys. Inserting repeatedly at the same midpoint
// grows keys by roughly one byte every six inserts; past this bound callers
// must renumber the sibling list instead.
const MaxLength = 128

var (
	// ErrInvalidKey marks a key that was not produced by this package.
	ErrInvalidKey = fmt.Errorf("%w: invalid sort key", fault.ErrInvariantViolation)
	// ErrOutOfOrder is returned when before >= after.
	ErrOutOfOrder = fmt.Errorf("%w: sort keys out of order", fault.ErrInvariantViolation)
)

const zero byte = '0'

var smallestInteger = "A" + strings.Repeat(string(zero), 26)

// First is the key used for the only element of an empty list.
const First = "a0"

// Between returns a key k with before < k < after. An empty before means
// "no lower bound" and an empty after means "no upper bound", so
// Between("", "") returns First.
func Between(before, after string) (string, error) {
	if before != "" {
		if err := Validate(before); err != nil {
			return "", err
		}
	}
	if after != "" {
		if err := Validate(after); err != nil {
			return "", err
		}
	}
	if before != "" && after != "" && before >= after {
		return "", fmt.Errorf("%w: %q >= %q", ErrOutOfOrder, before, after)
	}

	key, err := between(before, after)
	if err != nil {
		return "", err
	}
	if len(key) > MaxLength {
		return "", fmt.Errorf("%w: between %q and %q", fault.ErrKeySpaceExhausted, before, after)
	}
	return key, nil
}

func between(before, after string) (string, error) {
	if before == "" {
		if after == "" {
			return First, nil
		}
		intAfter := integerPart(after)
		fracAfter := after[len(intAfter):]
		if intAfter == smallestInteger {
			mid, err := midpoint("", fracAfter)
			if err != nil {
				return "", err
			}
			return intAfter + mid, nil
		}
		if intAfter < after {
			return intAfter, nil
		}
		dec, ok := decrementInteger(intAfter)
		if !ok {
			return "", fmt.Errorf("%w: cannot go below %q", fault.ErrKeySpaceExhausted, after)
		}
		return dec, nil
	}

	intBefore := integerPart(before)
	fracBefore := before[len(intBefore):]
	if after == "" {
		inc, ok := incrementInteger(intBefore)
		if ok {
			return inc, nil
		}
		mid, err := midpoint(fracBefore, "")
		if err != nil {
			return "", err
		}
		return intBefore + mid, nil
	}

	intAfter := integerPart(after)
	fracAfter := after[len(intAfter):]
	if intBefore == intAfter {
		mid, err := midpoint(fracBefore, fracAfter)
		if err != nil {
			return "", err
		}
		return intBefore + mid, nil
	}
	inc, ok := incrementInteger(intBefore)
	if !ok {
		return "", fmt.Errorf("%w: cannot go above %q", fault.ErrKeySpaceExhausted, before)
	}
	if inc < after {
		return inc, nil
	}
	mid, err := midpoint(fracBefore, "")
	if err != nil {
		return "", err
	}
	return intBefore + mid, nil
}

// NBetween returns n ascending keys strictly between before and after,
// spread so that later inserts between them stay short.
func NBetween(before, after string, n int) ([]string, error) {
	switch {
	case n <= 0:
		return nil, nil
	case n == 1:
		key, err := Between(before, after)
		if err != nil {
			return nil, err
		}
		return []string{key}, nil
	case after == "":
		keys := make([]string, 0, n)
		prev := before
		for i := 0; i < n; i++ {
			key, err := Between(prev, after)
			if err != nil {
				return nil, err
			}
			keys = append(keys, key)
			prev = key
		}
		return keys, nil
	case before == "":
		keys := make([]string, n)
		next := after
		for i := n - 1; i >= 0; i-- {
			key, err := Between(before, next)
			if err != nil {
				return nil, err
			}
			keys[i] = key
			next = key
		}
		return keys, nil
	}

	mid := n / 2
	pivot, err := Between(before, after)
	if err != nil {
		return nil, err
	}
	left, err := NBetween(before, pivot, mid)
	if err != nil {
		return nil, err
	}
	right, err := NBetween(pivot, after, n-mid-1)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, n)
	keys = append(keys, left...)
	keys = append(keys, pivot)
	return append(keys, right...), nil
}

// Validate reports whether key is a well formed key.
func Validate(key string) error {
	if key == "" || key == smallestInteger {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	size, ok := integerLength(key[0])
	if !ok || size > len(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for i := 1; i < len(key); i++ {
		if strings.IndexByte(digits, key[i]) < 0 {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	if len(key) > size && key[len(key)-1] == zero {
		return fmt.Errorf("%w: trailing zero in %q", ErrInvalidKey, key)
	}
	return nil
}

// midpoint returns a fraction strictly between a and b, where b == ""
// means one. Both fractions must be free of trailing zeros.
func midpoint(a, b string) (string, error) {
	if b != "" && a >= b {
		return "", fmt.Errorf("%w: fraction %q >= %q", ErrOutOfOrder, a, b)
	}
	if (a != "" && a[len(a)-1] == zero) || (b != "" && b[len(b)-1] == zero) {
		return "", fmt.Errorf("%w: trailing zero", ErrInvalidKey)
	}
	if b != "" {
		n := 0
		for n < len(b) && digitAt(a, n) == b[n] {
			n++
		}
		if n > 0 {
			mid, err := midpoint(a[min(n, len(a)):], b[n:])
			if err != nil {
				return "", err
			}
			return b[:n] + mid, nil
		}
	}

	digitA := 0
	if a != "" {
		digitA = strings.IndexByte(digits, a[0])
	}
	digitB := len(digits)
	if b != "" {
		digitB = strings.IndexByte(digits, b[0])
	}
	if digitB-digitA > 1 {
		return string(digits[(digitA+digitB+1)/2]), nil
	}
	if len(b) > 1 {
		return b[:1], nil
	}
	rest := ""
	if a != "" {
		rest = a[1:]
	}
	mid, err := midpoint(rest, "")
	if err != nil {
		return "", err
	}
	return string(digits[digitA]) + mid, nil
}

func digitAt(s string, i int) byte {
	if i < len(s) {
		return s[i]
	}
	return zero
}

func integerLength(head byte) (int, bool) {
	switch {
	case head >= 'a' && head <= 'z':
		return int(head-'a') + 2, true
	case head >= 'A' && head <= 'Z':
		return int('Z'-head) + 2, true
	default:
		return 0, false
	}
}

func integerPart(key string) string {
	size, _ := integerLength(key[0])
	return key[:size]
}

func incrementInteger(x string) (string, bool) {
	head := x[0]
	digs := []byte(x[1:])
	carry := true
	for i := len(digs) - 1; carry && i >= 0; i-- {
		d := strings.IndexByte(digits, digs[i]) + 1
		if d == len(digits) {
			digs[i] = zero
		} else {
			digs[i] = digits[d]
			carry = false
		}
	}
	if !carry {
		return string(head) + string(digs), true
	}
	switch head {
	case 'Z':
		return "a" + string(zero), true
	case 'z':
		return "", false
	}
	next := head + 1
	if next > 'a' {
		digs = append(digs, zero)
	} else {
		digs = digs[:len(digs)-1]
	}
	return string(next) + string(digs), true
}

func decrementInteger(x string) (string, bool) {
	head := x[0]
	digs := []byte(x[1:])
	largest := digits[len(digits)-1]
	borrow := true
	for i := len(digs) - 1; borrow && i >= 0; i-- {
		d := strings.IndexByte(digits, digs[i]) - 1
		if d == -1 {
			digs[i] = largest
		} else {
			digs[i] = digits[d]
			borrow = false
		}
	}
	if !borrow {
		return string(head) + string(digs), true
	}
	switch head {
	case 'a':
		return "Z" + string(largest), true
	case 'A':
		return "", false
	}
	prev := head - 1
	if prev < 'Z' {
		digs = append(digs, largest)
	} else {
		digs = digs[:len(digs)-1]
	}
	return string(prev) + string(digs), true
}
