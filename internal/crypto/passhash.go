// Package crypto implements server-side credential references and constant-time verification.
package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"

	"github.com/and161185/adminguard/internal/errs"
)

// Argon2id parameters (tuned for server-side hashing).
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32
	argonSaltLen uint32 = 16

	defaultMaxSecretLen = 1024
	defaultBcryptCost   = 12
)

// Lower bounds accepted for stored references and verifier options.
const (
	minMemory  uint32 = 8 * 1024
	minSaltLen        = 16
	minKeyLen         = 16
	maxKeyLen         = 1024

	// bcrypt only looks at the first 72 bytes; longer secrets never match.
	bcryptMaxLen = 72
)

// Options configures a Verifier.
type Options struct {
	Memory       uint32 // KiB
	Time         uint32
	Threads      uint8
	SaltLen      uint32
	KeyLen       uint32
	MaxSecretLen int
	AllowBcrypt  bool // accept bcrypt references produced by older deployments
	BcryptCost   int  // bcrypt references below this cost need rehash
}

// DefaultOptions returns the production argon2id parameters with bcrypt verification enabled.
func DefaultOptions() Options {
	return Options{
		Memory:       argonMemory,
		Time:         argonTime,
		Threads:      argonThreads,
		SaltLen:      argonSaltLen,
		KeyLen:       argonKeyLen,
		MaxSecretLen: defaultMaxSecretLen,
		AllowBcrypt:  true,
		BcryptCost:   defaultBcryptCost,
	}
}

// Verifier computes credential references and checks secrets against them.
// It holds no mutable state and is safe for concurrent use.
type Verifier struct {
	opts Options
}

// NewVerifier validates opts; zero numeric fields take the defaults.
func NewVerifier(opts Options) (*Verifier, error) {
	def := DefaultOptions()
	if opts.Memory == 0 {
		opts.Memory = def.Memory
	}
	if opts.Time == 0 {
		opts.Time = def.Time
	}
	if opts.Threads == 0 {
		opts.Threads = def.Threads
	}
	if opts.SaltLen == 0 {
		opts.SaltLen = def.SaltLen
	}
	if opts.KeyLen == 0 {
		opts.KeyLen = def.KeyLen
	}
	if opts.MaxSecretLen == 0 {
		opts.MaxSecretLen = def.MaxSecretLen
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = def.BcryptCost
	}

	switch {
	case opts.Memory < minMemory:
		return nil, fmt.Errorf("%w: argon2 memory %d KiB below %d", errs.ErrConfiguration, opts.Memory, minMemory)
	case opts.SaltLen < minSaltLen:
		return nil, fmt.Errorf("%w: salt length %d below %d", errs.ErrConfiguration, opts.SaltLen, minSaltLen)
	case opts.KeyLen < minKeyLen || opts.KeyLen > maxKeyLen:
		return nil, fmt.Errorf("%w: key length %d", errs.ErrConfiguration, opts.KeyLen)
	case opts.MaxSecretLen < 0:
		return nil, fmt.Errorf("%w: negative max secret length", errs.ErrConfiguration)
	case opts.BcryptCost < bcrypt.MinCost || opts.BcryptCost > bcrypt.MaxCost:
		return nil, fmt.Errorf("%w: bcrypt cost %d outside [%d, %d]", errs.ErrConfiguration, opts.BcryptCost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	return &Verifier{opts: opts}, nil
}

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// hashArgon2 returns the argon2id digest of secret under p and salt.
func hashArgon2(secret, salt []byte, p Argon2Params, keyLen uint32) []byte {
	return argon2.IDKey(secret, salt, p.Time, p.Memory, p.Threads, keyLen)
}

// ComputeReference derives a fresh salt and returns the argon2id reference of secret.
func (v *Verifier) ComputeReference(secret string) (*Reference, error) {
	if err := v.checkSecret(secret); err != nil {
		return nil, err
	}
	salt, err := RandBytes(int(v.opts.SaltLen))
	if err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}
	p := Argon2Params{
		Version: argon2.Version,
		Memory:  v.opts.Memory,
		Time:    v.opts.Time,
		Threads: v.opts.Threads,
	}
	return NewArgon2Reference(p, salt, hashArgon2([]byte(secret), salt, p, v.opts.KeyLen))
}

// Verify reports whether secret matches ref. Mismatches, empty or oversized
// secrets and algorithms this verifier does not accept all yield false with a
// nil error; only a nil or zero reference is reported as ErrCorruptReference.
func (v *Verifier) Verify(secret string, ref *Reference) (bool, error) {
	if ref.IsZero() {
		return false, errs.ErrCorruptReference
	}
	if v.checkSecret(secret) != nil {
		return false, nil
	}

	switch ref.alg {
	case AlgArgon2id:
		got := hashArgon2([]byte(secret), ref.salt, ref.argon, uint32(len(ref.digest)))
		return digestEqual(got, ref.digest), nil
	case AlgBcrypt:
		if !v.opts.AllowBcrypt || len(secret) > bcryptMaxLen {
			return false, nil
		}
		// CompareHashAndPassword compares digests with subtle.ConstantTimeCompare.
		return bcrypt.CompareHashAndPassword(ref.digest, []byte(secret)) == nil, nil
	default:
		return false, nil
	}
}

// NeedsRehash reports whether ref should be regenerated with the current
// parameters. Accepted bcrypt references are current at or above BcryptCost.
func (v *Verifier) NeedsRehash(ref *Reference) bool {
	if ref.IsZero() {
		return true
	}
	switch ref.alg {
	case AlgArgon2id:
	case AlgBcrypt:
		return !v.opts.AllowBcrypt || ref.Cost() < v.opts.BcryptCost
	default:
		return true
	}
	p := ref.argon
	return p.Memory < v.opts.Memory ||
		p.Time < v.opts.Time ||
		p.Threads < v.opts.Threads ||
		uint32(len(ref.digest)) != v.opts.KeyLen
}

// MaxSecretLen returns the longest secret accepted, in bytes.
func (v *Verifier) MaxSecretLen() int { return v.opts.MaxSecretLen }

func (v *Verifier) checkSecret(secret string) error {
	if secret == "" {
		return fmt.Errorf("%w: empty secret", errs.ErrInvalidInput)
	}
	if len(secret) > v.opts.MaxSecretLen {
		return fmt.Errorf("%w: secret longer than %d bytes", errs.ErrInvalidInput, v.opts.MaxSecretLen)
	}
	return nil
}
