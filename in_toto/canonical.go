package in_toto

import (
	"github.com/pkg/errors"
	"github.com/secure-systems-lab/go-securesystemslib/cjson"
)

/*
EncodeCanonical returns the OLPC/securesystemslib canonical JSON encoding of
obj: map keys in Unicode code-point order, no insignificant whitespace,
standard JSON string escaping, and integers emitted without a decimal point.
Floating point values, non-string map keys, and non-finite values are
rejected. Signing and verification both go through this single function so
they agree on the encoding bit-for-bit.
*/
func EncodeCanonical(obj interface{}) ([]byte, error) {
	b, err := cjson.EncodeCanonical(obj)
	if err != nil {
		return nil, errors.Wrap(ErrEncodeError, err.Error())
	}
	return b, nil
}
