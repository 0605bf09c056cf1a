package crypto

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"

	"github.com/and161185/adminguard/internal/errs"
)

// Algorithm identifies how a reference digest was produced.
type Algorithm string

const (
	// AlgArgon2id is the algorithm used for every newly computed reference.
	AlgArgon2id Algorithm = "argon2id"
	// AlgBcrypt is accepted for verification of hashes produced by older deployments.
	AlgBcrypt Algorithm = "bcrypt"
)

// Argon2Params are the argon2id cost parameters stored alongside a digest.
type Argon2Params struct {
	Version int
	Memory  uint32 // KiB
	Time    uint32
	Threads uint8
}

// Reference is the stored, non-reversible representation of the admin secret.
// A Reference is immutable: accessors hand out copies.
type Reference struct {
	alg    Algorithm
	argon  Argon2Params
	cost   int
	salt   []byte
	digest []byte
}

// NewArgon2Reference validates argon2id parameters, salt and digest and returns a Reference.
func NewArgon2Reference(p Argon2Params, salt, digest []byte) (*Reference, error) {
	switch {
	case p.Version != argon2.Version:
		return nil, fmt.Errorf("%w: argon2 version %d", errs.ErrConfiguration, p.Version)
	case p.Memory < minMemory:
		return nil, fmt.Errorf("%w: argon2 memory %d KiB below %d", errs.ErrConfiguration, p.Memory, minMemory)
	case p.Time < 1:
		return nil, fmt.Errorf("%w: argon2 time must be positive", errs.ErrConfiguration)
	case p.Threads < 1:
		return nil, fmt.Errorf("%w: argon2 threads must be positive", errs.ErrConfiguration)
	case len(salt) < minSaltLen:
		return nil, fmt.Errorf("%w: salt of %d bytes is too short", errs.ErrConfiguration, len(salt))
	case len(digest) < minKeyLen || len(digest) > maxKeyLen:
		return nil, fmt.Errorf("%w: digest of %d bytes", errs.ErrConfiguration, len(digest))
	}
	return &Reference{
		alg:    AlgArgon2id,
		argon:  p,
		salt:   bytes.Clone(salt),
		digest: bytes.Clone(digest),
	}, nil
}

// NewBcryptReference wraps a modular-crypt bcrypt hash ($2a$, $2b$, $2y$).
func NewBcryptReference(hash []byte) (*Reference, error) {
	cost, err := bcrypt.Cost(hash)
	if err != nil {
		return nil, fmt.Errorf("%w: bcrypt hash: %v", errs.ErrConfiguration, err)
	}
	return &Reference{alg: AlgBcrypt, cost: cost, digest: bytes.Clone(hash)}, nil
}

// ParseReference decodes a PHC argon2id string or a bcrypt hash.
func ParseReference(encoded string) (*Reference, error) {
	encoded = strings.TrimSpace(encoded)
	switch {
	case strings.HasPrefix(encoded, "$argon2id$"):
		return parsePHC(encoded)
	case strings.HasPrefix(encoded, "$2a$"), strings.HasPrefix(encoded, "$2b$"), strings.HasPrefix(encoded, "$2y$"):
		return NewBcryptReference([]byte(encoded))
	case encoded == "":
		return nil, fmt.Errorf("%w: empty credential reference", errs.ErrConfiguration)
	default:
		return nil, fmt.Errorf("%w: %w", errs.ErrConfiguration, errs.ErrUnsupportedAlgorithm)
	}
}

// $argon2id$v=19$m=65536,t=3,p=1$<salt>$<digest>
func parsePHC(encoded string) (*Reference, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != string(AlgArgon2id) {
		return nil, fmt.Errorf("%w: invalid PHC format", errs.ErrConfiguration)
	}

	var p Argon2Params
	if _, err := fmt.Sscanf(parts[2], "v=%d", &p.Version); err != nil {
		return nil, fmt.Errorf("%w: PHC version: %v", errs.ErrConfiguration, err)
	}
	var threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &threads); err != nil {
		return nil, fmt.Errorf("%w: PHC params: %v", errs.ErrConfiguration, err)
	}
	if threads > 255 {
		return nil, fmt.Errorf("%w: threads value %d exceeds uint8 max", errs.ErrConfiguration, threads)
	}
	p.Threads = uint8(threads)

	salt, err := decodeB64(parts[4])
	if err != nil {
		return nil, fmt.Errorf("%w: PHC salt: %v", errs.ErrConfiguration, err)
	}
	digest, err := decodeB64(parts[5])
	if err != nil {
		return nil, fmt.Errorf("%w: PHC digest: %v", errs.ErrConfiguration, err)
	}
	return NewArgon2Reference(p, salt, digest)
}

// decodeB64 accepts both padded and unpadded standard base64.
func decodeB64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// String returns the PHC (argon2id) or modular-crypt (bcrypt) encoding.
func (r *Reference) String() string {
	if r == nil {
		return ""
	}
	switch r.alg {
	case AlgArgon2id:
		return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
			r.argon.Version, r.argon.Memory, r.argon.Time, r.argon.Threads,
			base64.RawStdEncoding.EncodeToString(r.salt),
			base64.RawStdEncoding.EncodeToString(r.digest),
		)
	case AlgBcrypt:
		return string(r.digest)
	default:
		return ""
	}
}

// Algorithm returns the reference algorithm.
func (r *Reference) Algorithm() Algorithm { return r.alg }

// Argon2Params returns the argon2id parameters (zero for other algorithms).
func (r *Reference) Argon2Params() Argon2Params { return r.argon }

// Cost returns the bcrypt cost (zero for other algorithms).
func (r *Reference) Cost() int { return r.cost }

// Salt returns a copy of the salt.
func (r *Reference) Salt() []byte { return bytes.Clone(r.salt) }

// Digest returns a copy of the stored digest.
func (r *Reference) Digest() []byte { return bytes.Clone(r.digest) }

// IsZero reports whether r carries no algorithm or digest.
func (r *Reference) IsZero() bool {
	return r == nil || r.alg == "" || len(r.digest) == 0
}
