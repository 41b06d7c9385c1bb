package tokenfile

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecryption is returned by Codec.Decrypt for a wrong secret, tampered or
// truncated input, or an unsupported format version.
var ErrDecryption = errors.New("tokenfile: decryption failed")

// formatVersion1 is Argon2id key derivation + XChaCha20-Poly1305.
const formatVersion1 byte = 1

const (
	saltSize = 16
	keySize  = chacha20poly1305.KeySize
)

// fileMagic identifies an encrypted token file.
var fileMagic = []byte("RKTK")

// headerSize covers magic, version and salt. These bytes are bound to the
// ciphertext as additional data.
var headerSize = len(fileMagic) + 1 + saltSize

// KDFParams are the Argon2id cost parameters.
type KDFParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultKDFParams follow the RFC 9106 second recommended option.
var DefaultKDFParams = KDFParams{Time: 3, MemoryKiB: 64 * 1024, Threads: 4}

// Codec encrypts and decrypts token records. It performs no I/O beyond the
// byte slices it is handed.
type Codec struct {
	params KDFParams
	rand   io.Reader
}

// NewCodec returns a Codec using the given Argon2id parameters. Zero-valued
// fields fall back to DefaultKDFParams.
func NewCodec(params KDFParams) *Codec {
	if params.Time == 0 {
		params.Time = DefaultKDFParams.Time
	}

	if params.MemoryKiB == 0 {
		params.MemoryKiB = DefaultKDFParams.MemoryKiB
	}

	if params.Threads == 0 {
		params.Threads = DefaultKDFParams.Threads
	}

	return &Codec{params: params, rand: rand.Reader}
}

func (c *Codec) deriveKey(secret, salt []byte) []byte {
	return argon2.IDKey(secret, salt, c.params.Time, c.params.MemoryKiB, c.params.Threads, keySize)
}

// Encrypt serializes rec and seals it under a key derived from secret with a
// fresh random salt and nonce.
func (c *Codec) Encrypt(rec *Record, secret []byte) ([]byte, error) {
	if err := rec.checkFields(); err != nil {
		return nil, err
	}

	if len(secret) == 0 {
		return nil, fmt.Errorf("tokenfile: empty encryption secret")
	}

	plaintext, err := json.Marshal(rec.Clone())
	if err != nil {
		return nil, fmt.Errorf("tokenfile: encoding record: %w", err)
	}

	header := make([]byte, 0, headerSize)
	header = append(header, fileMagic...)
	header = append(header, formatVersion1)

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(c.rand, salt); err != nil {
		return nil, fmt.Errorf("tokenfile: generating salt: %w", err)
	}

	header = append(header, salt...)

	aead, err := chacha20poly1305.NewX(c.deriveKey(secret, salt))
	if err != nil {
		return nil, fmt.Errorf("tokenfile: initializing cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return nil, fmt.Errorf("tokenfile: generating nonce: %w", err)
	}

	out := make([]byte, 0, len(header)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, header...)
	out = append(out, nonce...)

	return aead.Seal(out, nonce, plaintext, header), nil
}

// Decrypt opens data produced by Encrypt. Any modification of the input,
// a different secret, or a payload without the required fields fails with
// ErrDecryption; a well-formed but different record is never returned.
func (c *Codec) Decrypt(data, secret []byte) (*Record, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: input too short (%d bytes)", ErrDecryption, len(data))
	}

	if !bytes.Equal(data[:len(fileMagic)], fileMagic) {
		return nil, fmt.Errorf("%w: not a token file", ErrDecryption)
	}

	if v := data[len(fileMagic)]; v != formatVersion1 {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrDecryption, v)
	}

	header := data[:headerSize]
	salt := header[len(fileMagic)+1:]

	aead, err := chacha20poly1305.NewX(c.deriveKey(secret, salt))
	if err != nil {
		return nil, fmt.Errorf("tokenfile: initializing cipher: %w", err)
	}

	rest := data[headerSize:]
	if len(rest) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext truncated", ErrDecryption)
	}

	nonce, sealed := rest[:aead.NonceSize()], rest[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, sealed, header)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed (wrong secret or tampered file)", ErrDecryption)
	}

	var rec Record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return nil, fmt.Errorf("%w: decoding payload: %w", ErrDecryption, err)
	}

	if err := rec.checkFields(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryption, err)
	}

	return &rec, nil
}
