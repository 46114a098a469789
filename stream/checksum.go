package stream

import (
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// checksumVerifier digests every chunk handed to the sink.
type checksumVerifier struct {
	hash     hash.Hash
	expected string
}

func newChecksumVerifier(c *Checksum) (*checksumVerifier, error) {
	if c == nil {
		return nil, nil
	}
	if c.New == nil {
		return nil, fmt.Errorf("%w: hash constructor must not be nil", ErrInvalidRequest)
	}
	if c.Expected == "" {
		return nil, fmt.Errorf("%w: expected checksum must not be empty", ErrInvalidRequest)
	}
	return &checksumVerifier{hash: c.New(), expected: strings.ToLower(c.Expected)}, nil
}

func (v *checksumVerifier) write(p []byte) {
	if v == nil {
		return
	}
	v.hash.Write(p)
}

func (v *checksumVerifier) verify() error {
	if v == nil {
		return nil
	}

	actual := hex.EncodeToString(v.hash.Sum(nil))
	if actual != v.expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, v.expected, actual)
	}

	return nil
}
