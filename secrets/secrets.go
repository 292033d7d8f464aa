// Package secrets holds the per-deployment key material and the credential
// gates protecting it.
//
// One Deployment is generated at provisioning time and split into an
// APSecrets bundle and a ComponentSecrets bundle. Bundles are stored as
// CBOR, either on disk or (AP only) as an SSM SecureString.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/mesmerverse/bootguard/ecc"
)

const (
	// HashRounds is the iteration count of credential hashing
	HashRounds = 4096

	// CredentialBufferSize is the fixed width a PIN or token is padded to
	CredentialBufferSize = 64

	KeySize  = 32
	IVSize   = aes.BlockSize
	HashSize = sha256.Size
)

// ErrBadCredential means a PIN or token did not match its reference hash
var ErrBadCredential = errors.New("secrets: credential rejected")

// ErrMalformed means a bundle is missing material or has wrong sizes
var ErrMalformed = errors.New("secrets: malformed bundle")

// Deployment is everything generated for one deployment.
// Only the provisioning tool ever holds it whole.
type Deployment struct {
	HMACKey      []byte `cbor:"hmac_key"`
	APBootKey    []byte `cbor:"ap_boot_key"`
	APAttestKey  []byte `cbor:"ap_attest_key"`
	ComponentKey []byte `cbor:"component_key"`
	CustomerKey  []byte `cbor:"customer_key"`
	PINHash      []byte `cbor:"pin_hash"`
	TokenHash    []byte `cbor:"token_hash"`
	UnwrapKey    []byte `cbor:"unwrap_key"`
	WrappedKey   []byte `cbor:"wrapped_key"`
	WrapIV       []byte `cbor:"wrap_iv"`
}

// APSecrets is the AP's share of a deployment
type APSecrets struct {
	HMACKey      []byte `cbor:"hmac_key"`
	BootKey      []byte `cbor:"boot_key"`
	AttestKey    []byte `cbor:"attest_key"`
	ComponentPub []byte `cbor:"component_pub"`
	CustomerPub  []byte `cbor:"customer_pub"`
	PINHash      []byte `cbor:"pin_hash"`
	TokenHash    []byte `cbor:"token_hash"`
	WrappedKey   []byte `cbor:"wrapped_key"`
	WrapIV       []byte `cbor:"wrap_iv"`
}

// ComponentSecrets is a Component's share of a deployment
type ComponentSecrets struct {
	HMACKey      []byte `cbor:"hmac_key"`
	ComponentKey []byte `cbor:"component_key"`
	CustomerKey  []byte `cbor:"customer_key"`
	APBootPub    []byte `cbor:"ap_boot_pub"`
	APAttestPub  []byte `cbor:"ap_attest_pub"`
}

// Generate creates a fresh deployment gated by pin and token
func Generate(r io.Reader, pin, token string) (*Deployment, error) {
	d := &Deployment{}

	keys := []*[]byte{&d.APBootKey, &d.APAttestKey, &d.ComponentKey, &d.CustomerKey}
	for _, k := range keys {
		priv, err := ecc.GenerateKey(r)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
		*k = priv.Serialize()
		ecc.Zero(priv)
	}

	var err error
	if d.HMACKey, err = random(r, KeySize); err != nil {
		return nil, err
	}
	if d.UnwrapKey, err = random(r, KeySize); err != nil {
		return nil, err
	}
	if d.WrapIV, err = random(r, IVSize); err != nil {
		return nil, err
	}

	pinHash, err := HashCredential(pin)
	if err != nil {
		return nil, err
	}
	tokenHash, err := HashCredential(token)
	if err != nil {
		return nil, err
	}
	d.PINHash = pinHash[:]
	d.TokenHash = tokenHash[:]

	if d.WrappedKey, err = ctr(pinHash[:], d.WrapIV, d.UnwrapKey); err != nil {
		return nil, fmt.Errorf("failed to wrap attestation key: %w", err)
	}
	return d, nil
}

// AP extracts the AP bundle
func (d *Deployment) AP() (*APSecrets, error) {
	componentPub, err := publicOf(d.ComponentKey)
	if err != nil {
		return nil, err
	}
	customerPub, err := publicOf(d.CustomerKey)
	if err != nil {
		return nil, err
	}
	return &APSecrets{
		HMACKey:      d.HMACKey,
		BootKey:      d.APBootKey,
		AttestKey:    d.APAttestKey,
		ComponentPub: componentPub,
		CustomerPub:  customerPub,
		PINHash:      d.PINHash,
		TokenHash:    d.TokenHash,
		WrappedKey:   d.WrappedKey,
		WrapIV:       d.WrapIV,
	}, nil
}

// Component extracts the Component bundle
func (d *Deployment) Component() (*ComponentSecrets, error) {
	bootPub, err := publicOf(d.APBootKey)
	if err != nil {
		return nil, err
	}
	attestPub, err := publicOf(d.APAttestKey)
	if err != nil {
		return nil, err
	}
	return &ComponentSecrets{
		HMACKey:      d.HMACKey,
		ComponentKey: d.ComponentKey,
		CustomerKey:  d.CustomerKey,
		APBootPub:    bootPub,
		APAttestPub:  attestPub,
	}, nil
}

// HashCredential hashes a PIN or token: the credential is zero padded to
// CredentialBufferSize bytes and hashed HashRounds times with SHA-256
func HashCredential(s string) ([HashSize]byte, error) {
	var out [HashSize]byte
	if len(s) > CredentialBufferSize {
		return out, fmt.Errorf("%w: credential longer than %d bytes", ErrBadCredential, CredentialBufferSize)
	}
	buf := make([]byte, CredentialBufferSize)
	copy(buf, s)

	out = sha256.Sum256(buf)
	for i := 1; i < HashRounds; i++ {
		out = sha256.Sum256(out[:])
	}
	return out, nil
}

// CheckPIN compares pin against the reference hash. The returned hash is
// the key for UnwrapAttestationKey.
func (a *APSecrets) CheckPIN(pin string) ([HashSize]byte, error) {
	return check(pin, a.PINHash)
}

// CheckToken compares token against the reference hash
func (a *APSecrets) CheckToken(token string) error {
	_, err := check(token, a.TokenHash)
	return err
}

func check(s string, ref []byte) ([HashSize]byte, error) {
	h, err := HashCredential(s)
	if err != nil {
		return [HashSize]byte{}, err
	}
	if len(ref) != HashSize || subtle.ConstantTimeCompare(h[:], ref) != 1 {
		return [HashSize]byte{}, ErrBadCredential
	}
	return h, nil
}

// UnwrapAttestationKey decrypts the wrapped key with a PIN hash
func (a *APSecrets) UnwrapAttestationKey(pinHash [HashSize]byte) ([]byte, error) {
	if len(a.WrappedKey) != KeySize || len(a.WrapIV) != IVSize {
		return nil, fmt.Errorf("%w: wrapped key", ErrMalformed)
	}
	return ctr(pinHash[:], a.WrapIV, a.WrappedKey)
}

// BootPrivateKey parses the AP boot signing key
func (a *APSecrets) BootPrivateKey() (*ecc.PrivateKey, error) {
	return ecc.ParsePrivateKey(a.BootKey)
}

// AttestPrivateKey parses the AP attestation signing key
func (a *APSecrets) AttestPrivateKey() (*ecc.PrivateKey, error) {
	return ecc.ParsePrivateKey(a.AttestKey)
}

// ComponentPublicKey parses the key Components sign with
func (a *APSecrets) ComponentPublicKey() (*ecc.PublicKey, error) {
	return ecc.ParsePublicKey(a.ComponentPub)
}

// CustomerPublicKey parses the key replacement proofs verify against
func (a *APSecrets) CustomerPublicKey() (*ecc.PublicKey, error) {
	return ecc.ParsePublicKey(a.CustomerPub)
}

// Validate checks that every field is present with the right size
func (a *APSecrets) Validate() error {
	return sizes(map[string]sized{
		"hmac_key":      {a.HMACKey, KeySize},
		"boot_key":      {a.BootKey, ecc.PrivateKeySize},
		"attest_key":    {a.AttestKey, ecc.PrivateKeySize},
		"component_pub": {a.ComponentPub, ecc.PublicKeySize},
		"customer_pub":  {a.CustomerPub, ecc.PublicKeySize},
		"pin_hash":      {a.PINHash, HashSize},
		"token_hash":    {a.TokenHash, HashSize},
		"wrapped_key":   {a.WrappedKey, KeySize},
		"wrap_iv":       {a.WrapIV, IVSize},
	})
}

// ComponentPrivateKey parses the Component signing key
func (c *ComponentSecrets) ComponentPrivateKey() (*ecc.PrivateKey, error) {
	return ecc.ParsePrivateKey(c.ComponentKey)
}

// CustomerPrivateKey parses the key replacement proofs are signed with
func (c *ComponentSecrets) CustomerPrivateKey() (*ecc.PrivateKey, error) {
	return ecc.ParsePrivateKey(c.CustomerKey)
}

// APBootPublicKey parses the key BOOT commands verify against
func (c *ComponentSecrets) APBootPublicKey() (*ecc.PublicKey, error) {
	return ecc.ParsePublicKey(c.APBootPub)
}

// APAttestPublicKey parses the key ATTEST commands verify against
func (c *ComponentSecrets) APAttestPublicKey() (*ecc.PublicKey, error) {
	return ecc.ParsePublicKey(c.APAttestPub)
}

// Validate checks that every field is present with the right size
func (c *ComponentSecrets) Validate() error {
	return sizes(map[string]sized{
		"hmac_key":      {c.HMACKey, KeySize},
		"component_key": {c.ComponentKey, ecc.PrivateKeySize},
		"customer_key":  {c.CustomerKey, ecc.PrivateKeySize},
		"ap_boot_pub":   {c.APBootPub, ecc.PublicKeySize},
		"ap_attest_pub": {c.APAttestPub, ecc.PublicKeySize},
	})
}

type sized struct {
	b    []byte
	size int
}

func sizes(fields map[string]sized) error {
	for name, f := range fields {
		if len(f.b) != f.size {
			return fmt.Errorf("%w: %s is %d bytes, want %d", ErrMalformed, name, len(f.b), f.size)
		}
	}
	return nil
}

// Save writes v as CBOR with owner-only permissions
func Save(path string, v any) error {
	data, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Load reads a CBOR bundle from path into v
func Load(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// LoadAP reads and validates an AP bundle
func LoadAP(path string) (*APSecrets, error) {
	var a APSecrets
	if err := Load(path, &a); err != nil {
		return nil, err
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// LoadComponent reads and validates a Component bundle
func LoadComponent(path string) (*ComponentSecrets, error) {
	var c ComponentSecrets
	if err := Load(path, &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func publicOf(privBytes []byte) ([]byte, error) {
	priv, err := ecc.ParsePrivateKey(privBytes)
	if err != nil {
		return nil, err
	}
	defer ecc.Zero(priv)
	return priv.PubKey().SerializeCompressed(), nil
}

func random(r io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// ctr runs AES-CTR; encryption and decryption are the same operation
func ctr(key, iv, in []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(in))
	cipher.NewCTR(block, iv).XORKeyStream(out, in)
	return out, nil
}
