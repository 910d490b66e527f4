package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"strings"

	"github.com/lgulliver/freight/pkg/types"
	"golang.org/x/crypto/blake2b"
)

// Algorithm names a supported checksum algorithm
type Algorithm string

const (
	SHA256  Algorithm = "sha256"
	BLAKE2b Algorithm = "blake2b"
)

// Checksum is a declared digest. Bare hex is read as sha256.
type Checksum struct {
	Algorithm Algorithm
	Value     string
}

// ParseChecksum accepts "<hex>", "sha256:<hex>" or "blake2b:<hex>". An empty
// string yields the zero Checksum.
func ParseChecksum(s string) (Checksum, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Checksum{}, nil
	}

	alg, value := SHA256, s
	if prefix, rest, ok := strings.Cut(s, ":"); ok {
		alg, value = Algorithm(strings.ToLower(prefix)), rest
	}
	if alg != SHA256 && alg != BLAKE2b {
		return Checksum{}, types.NewError(types.KindInvalidRequest, "unsupported checksum algorithm %q", alg)
	}

	value = strings.ToLower(value)
	if len(value) != 2*sha256.Size {
		return Checksum{}, types.NewError(types.KindInvalidRequest, "malformed %s checksum", alg)
	}
	if _, err := hex.DecodeString(value); err != nil {
		return Checksum{}, types.NewError(types.KindInvalidRequest, "malformed %s checksum", alg)
	}
	return Checksum{Algorithm: alg, Value: value}, nil
}

// IsZero reports whether no checksum was declared
func (c Checksum) IsZero() bool {
	return c.Value == ""
}

func (c Checksum) String() string {
	if c.IsZero() || c.Algorithm == SHA256 {
		return c.Value
	}
	return string(c.Algorithm) + ":" + c.Value
}

// Digester hashes a byte stream incrementally. It always computes sha256 and
// additionally the algorithm of an expected checksum when that differs.
type Digester struct {
	sha256   hash.Hash
	extra    hash.Hash
	extraAlg Algorithm
	size     int64
}

// NewDigester creates a digester able to verify expected
func NewDigester(expected Checksum) *Digester {
	d := &Digester{sha256: sha256.New()}
	if expected.Algorithm == BLAKE2b {
		// only fails for oversized keys
		h, _ := blake2b.New256(nil)
		d.extra, d.extraAlg = h, BLAKE2b
	}
	return d
}

func (d *Digester) Write(p []byte) (int, error) {
	d.sha256.Write(p)
	if d.extra != nil {
		d.extra.Write(p)
	}
	d.size += int64(len(p))
	return len(p), nil
}

// Size returns the number of bytes hashed
func (d *Digester) Size() int64 {
	return d.size
}

// SHA256 returns the hex sha256 of everything written
func (d *Digester) SHA256() string {
	return hex.EncodeToString(d.sha256.Sum(nil))
}

func (d *Digester) sum(alg Algorithm) string {
	if alg == d.extraAlg && d.extra != nil {
		return string(alg) + ":" + hex.EncodeToString(d.extra.Sum(nil))
	}
	return d.SHA256()
}

// Verify compares the digest with expected. A zero expected always passes.
func (d *Digester) Verify(expected Checksum) error {
	if expected.IsZero() {
		return nil
	}
	actual := d.sum(expected.Algorithm)
	if actual != expected.String() {
		return types.ChecksumMismatch(expected.String(), actual)
	}
	return nil
}

// digestReader hashes everything read through it
func digestReader(r io.Reader, d *Digester) io.Reader {
	return io.TeeReader(r, d)
}
