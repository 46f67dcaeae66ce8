package vrf

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ruteri/passkey-account-backend/interfaces"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	keypairDerivationInfo = "passkey-vrf-keypair-v1"
	encryptionKeyInfo     = "passkey-vrf-encryption-key-v1"
	challengeDomain       = "passkey-vrf-challenge-v1"
)

// keypair is the worker-internal VRF key material. The 32-byte seed doubles
// as the keyed-function secret; it never leaves the worker unencrypted.
type keypair struct {
	seed    [32]byte
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

func newRandomKeypair() (*keypair, error) {
	var seed [32]byte
	if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
		return nil, fmt.Errorf("keypair generation: %w", err)
	}
	return keypairFromSeed(seed), nil
}

func keypairFromSeed(seed [32]byte) *keypair {
	private := ed25519.NewKeyFromSeed(seed[:])
	return &keypair{
		seed:    seed,
		private: private,
		public:  private.Public().(ed25519.PublicKey),
	}
}

// deriveKeypair deterministically derives a keypair from a ceremony secret
// output, salted by the account id. Identical inputs always reproduce the
// identical keypair.
func deriveKeypair(secretOutput []byte, accountID interfaces.AccountID) (*keypair, error) {
	if len(secretOutput) == 0 {
		return nil, errors.New("empty secret output")
	}
	if err := accountID.Validate(); err != nil {
		return nil, err
	}

	reader := hkdf.New(sha256.New, secretOutput, []byte(accountID.String()), []byte(keypairDerivationInfo))
	var seed [32]byte
	if _, err := io.ReadFull(reader, seed[:]); err != nil {
		return nil, fmt.Errorf("keypair derivation: %w", err)
	}
	return keypairFromSeed(seed), nil
}

func (kp *keypair) publicKeyString() string {
	return base64.RawURLEncoding.EncodeToString(kp.public)
}

// zero overwrites the key material in place.
func (kp *keypair) zero() {
	for i := range kp.seed {
		kp.seed[i] = 0
	}
	for i := range kp.private {
		kp.private[i] = 0
	}
}

// challengeInputHash binds the challenge to the account, relying party and
// ledger block.
func challengeInputHash(in ChallengeInput) [32]byte {
	h := sha256.New()
	h.Write([]byte(challengeDomain))
	h.Write([]byte{0})
	h.Write([]byte(in.UserID))
	h.Write([]byte{0})
	h.Write([]byte(in.RPID))
	h.Write([]byte{0})
	var height [8]byte
	binary.LittleEndian.PutUint64(height[:], in.BlockHeight)
	h.Write(height[:])
	h.Write([]byte(in.BlockHash))

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// computeChallenge evaluates the keyed function over the challenge input and
// signs the evaluation. The 64-byte output feeds OutputAs32Bytes; the proof
// lets the verifier check the output against the public key.
func computeChallenge(kp *keypair, in ChallengeInput) (interfaces.VRFChallenge, error) {
	if in.UserID == "" || in.RPID == "" || in.BlockHash == "" {
		return interfaces.VRFChallenge{}, errors.New("challenge input missing userId, rpId or blockHash")
	}

	input := challengeInputHash(in)

	mac := hmac.New(sha512.New, kp.seed[:])
	mac.Write(input[:])
	output := mac.Sum(nil)

	proof := ed25519.Sign(kp.private, append(input[:], output...))

	return interfaces.NewVRFChallenge(
		base64.RawURLEncoding.EncodeToString(input[:]),
		base64.RawURLEncoding.EncodeToString(output),
		base64.RawURLEncoding.EncodeToString(proof),
		kp.publicKeyString(),
		in.UserID,
		in.RPID,
		in.BlockHeight,
		in.BlockHash,
	)
}

func encryptionKey(secretOutput []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, secretOutput, nil, []byte(encryptionKeyInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("encryption key derivation: %w", err)
	}
	return key, nil
}

// encryptKeypair seals the keypair seed under a symmetric key derived from
// the ceremony secret output.
func encryptKeypair(kp *keypair, secretOutput []byte) (interfaces.EncryptedVRFKeypair, error) {
	if len(secretOutput) == 0 {
		return interfaces.EncryptedVRFKeypair{}, errors.New("empty secret output")
	}

	key, err := encryptionKey(secretOutput)
	if err != nil {
		return interfaces.EncryptedVRFKeypair{}, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return interfaces.EncryptedVRFKeypair{}, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return interfaces.EncryptedVRFKeypair{}, err
	}

	ciphertext := aead.Seal(nil, nonce, kp.seed[:], nil)
	return interfaces.EncryptedVRFKeypair{Ciphertext: ciphertext, Nonce: nonce}, nil
}

// decryptKeypair reverses encryptKeypair. A wrong secret output fails
// authentication rather than yielding a garbage keypair.
func decryptKeypair(enc interfaces.EncryptedVRFKeypair, secretOutput []byte) (*keypair, error) {
	if err := enc.Validate(); err != nil {
		return nil, err
	}

	key, err := encryptionKey(secretOutput)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, enc.Nonce, enc.Ciphertext, nil)
	if err != nil {
		return nil, errors.New("keypair decryption failed: wrong key or corrupted blob")
	}
	if len(plaintext) != 32 {
		return nil, errors.New("keypair decryption produced invalid seed")
	}

	var seed [32]byte
	copy(seed[:], plaintext)
	return keypairFromSeed(seed), nil
}
