//go:build !amd64
// +build !amd64

package nativecode

// Without an assembler backend there is no native return stub; unfilled
// function-pointer-table slots point at a reserved data word instead, which
// still gives every slot a distinct, non-nil value.
func buildReturnStub() ([]byte, error) {
	return nil, nil
}
