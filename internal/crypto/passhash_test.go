package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/and161185/adminguard/internal/errs"
)

// fastOptions keeps argon2id cheap enough for unit tests.
func fastOptions() Options {
	return Options{Memory: 8 * 1024, Time: 1, Threads: 1, MaxSecretLen: 64, AllowBcrypt: true}
}

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(fastOptions())
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

func TestRandBytes_LengthAndUniqueness(t *testing.T) {
	t.Parallel()

	const n = 64
	a, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes: %v", err)
	}
	if len(a) != n {
		t.Fatalf("len=%d, want=%d", len(a), n)
	}
	b, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes(2): %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("two subsequent RandBytes(%d) are equal, looks non-random", n)
	}
}

func TestNewVerifier_RejectsWeakOptions(t *testing.T) {
	t.Parallel()

	cases := map[string]Options{
		"memory":     {Memory: 1024},
		"salt":       {SaltLen: 8},
		"key short":  {KeyLen: 8},
		"key long":   {KeyLen: 4096},
		"max secret": {MaxSecretLen: -1},
	}
	for name, opts := range cases {
		if _, err := NewVerifier(opts); !errors.Is(err, errs.ErrConfiguration) {
			t.Fatalf("%s: want ErrConfiguration, got %v", name, err)
		}
	}

	v, err := NewVerifier(Options{})
	if err != nil {
		t.Fatalf("zero options should take defaults: %v", err)
	}
	if v.MaxSecretLen() != defaultMaxSecretLen {
		t.Fatalf("MaxSecretLen=%d", v.MaxSecretLen())
	}
}

func TestComputeReference_SaltedAndRoundTrips(t *testing.T) {
	t.Parallel()
	v := newTestVerifier(t)

	r1, err := v.ComputeReference("correct horse battery staple")
	if err != nil {
		t.Fatalf("ComputeReference: %v", err)
	}
	r2, err := v.ComputeReference("correct horse battery staple")
	if err != nil {
		t.Fatalf("ComputeReference(2): %v", err)
	}
	if r1.Algorithm() != AlgArgon2id || len(r1.Digest()) != int(argonKeyLen) {
		t.Fatalf("unexpected reference: alg=%s len=%d", r1.Algorithm(), len(r1.Digest()))
	}
	if bytes.Equal(r1.Salt(), r2.Salt()) || bytes.Equal(r1.Digest(), r2.Digest()) {
		t.Fatalf("same secret must produce different salts and digests")
	}

	for _, ref := range []*Reference{r1, r2} {
		ok, err := v.Verify("correct horse battery staple", ref)
		if err != nil || !ok {
			t.Fatalf("Verify round-trip: ok=%v err=%v", ok, err)
		}
	}
}

func TestComputeReference_InvalidInput(t *testing.T) {
	t.Parallel()
	v := newTestVerifier(t)

	if _, err := v.ComputeReference(""); !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("empty: want ErrInvalidInput, got %v", err)
	}
	if _, err := v.ComputeReference(strings.Repeat("x", 65)); !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("oversized: want ErrInvalidInput, got %v", err)
	}
	if _, err := v.ComputeReference(strings.Repeat("x", 64)); err != nil {
		t.Fatalf("max length should be accepted: %v", err)
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()
	v := newTestVerifier(t)

	ref, err := v.ComputeReference("s3cret-admin")
	if err != nil {
		t.Fatalf("ComputeReference: %v", err)
	}

	cases := []struct {
		name   string
		secret string
	}{
		{"wrong", "wrong"},
		{"prefix", "s3cret-admi"},
		{"suffix", "s3cret-admin!"},
		{"case", "S3cret-admin"},
		{"empty", ""},
		{"oversized", strings.Repeat("s", 65)},
	}
	for _, tc := range cases {
		ok, err := v.Verify(tc.secret, ref)
		if err != nil || ok {
			t.Fatalf("%s: want false/nil, got ok=%v err=%v", tc.name, ok, err)
		}
	}
}

func TestVerify_DistinctSecretsNeverCrossMatch(t *testing.T) {
	t.Parallel()
	v := newTestVerifier(t)

	secrets := []string{"a", "b", "ab", "ba", "admin123", "admin1234", "pässwörd"}
	refs := make([]*Reference, len(secrets))
	for i, s := range secrets {
		r, err := v.ComputeReference(s)
		if err != nil {
			t.Fatalf("ComputeReference(%q): %v", s, err)
		}
		refs[i] = r
	}
	for i, s := range secrets {
		for j, r := range refs {
			ok, err := v.Verify(s, r)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if ok != (i == j) {
				t.Fatalf("Verify(%q, ref(%q)) = %v", s, secrets[j], ok)
			}
		}
	}
}

func TestVerify_CorruptReference(t *testing.T) {
	t.Parallel()
	v := newTestVerifier(t)

	if _, err := v.Verify("x", nil); !errors.Is(err, errs.ErrCorruptReference) {
		t.Fatalf("nil ref: want ErrCorruptReference, got %v", err)
	}
	if _, err := v.Verify("x", &Reference{}); !errors.Is(err, errs.ErrCorruptReference) {
		t.Fatalf("zero ref: want ErrCorruptReference, got %v", err)
	}
}

func TestVerify_UnsupportedAlgorithmFailsClosed(t *testing.T) {
	t.Parallel()
	v := newTestVerifier(t)

	ref := &Reference{alg: "md5", digest: []byte("0123456789abcdef")}
	ok, err := v.Verify("anything", ref)
	if err != nil || ok {
		t.Fatalf("unknown algorithm: ok=%v err=%v", ok, err)
	}
}

func TestNeedsRehash(t *testing.T) {
	t.Parallel()
	v := newTestVerifier(t)

	ref, err := v.ComputeReference("pw")
	if err != nil {
		t.Fatalf("ComputeReference: %v", err)
	}
	if v.NeedsRehash(ref) {
		t.Fatalf("fresh reference should not need rehash")
	}

	stronger, err := NewVerifier(Options{Memory: 16 * 1024, Time: 2, Threads: 1})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if !stronger.NeedsRehash(ref) {
		t.Fatalf("weaker params should need rehash")
	}
	if !v.NeedsRehash(nil) {
		t.Fatalf("nil reference should need rehash")
	}
}
