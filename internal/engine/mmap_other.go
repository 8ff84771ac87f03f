//go:build !unix

package engine

import "errors"

// mmapCodeSegment keeps a private copy of the code on platforms without mmap. The code is never executed from it.
func mmapCodeSegment(code []byte) ([]byte, error) {
	if len(code) == 0 {
		panic(errors.New("BUG: mmapCodeSegment with zero length"))
	}
	return append([]byte(nil), code...), nil
}

func munmapCodeSegment(code []byte) error {
	if len(code) == 0 {
		panic(errors.New("BUG: munmapCodeSegment with zero length"))
	}
	return nil
}
