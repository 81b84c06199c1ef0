// Package crypto wraps the RSA and AES primitives used for signatures and
// encrypted payloads.
package crypto

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"

	// registers the hashes
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
)

// AlgAES256CBC is the only supported envelope algorithm.
const AlgAES256CBC = "aes256cbc"

var (
	ErrEmptyKey         = errors.New("empty key")
	ErrInvalidKey       = errors.New("invalid key")
	ErrUnknownAlgorithm = errors.New("unknown algorithm")
	ErrInvalidPadding   = errors.New("invalid padding")
)

// Hash maps an algorithm name to its hash. An empty name means sha256,
// unknown names return ErrUnknownAlgorithm.
func Hash(alg string) (crypto.Hash, error) {
	switch strings.ToLower(alg) {
	case "sha1":
		return crypto.SHA1, nil
	case "", "sha256":
		return crypto.SHA256, nil
	case "sha512":
		return crypto.SHA512, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, alg)
}

// RSASign signs data with a PEM private key using PKCS #1 v1.5.
func RSASign(data []byte, key string, alg string) ([]byte, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	prv, err := ParsePrivateKey(key)
	if err != nil {
		return nil, err
	}

	h, err := Hash(alg)
	if err != nil {
		return nil, err
	}
	hasher := h.New()
	hasher.Write(data)

	return rsa.SignPKCS1v15(rand.Reader, prv, h, hasher.Sum(nil))
}

// RSAVerify checks a PKCS #1 v1.5 signature against a public key.
func RSAVerify(data, sig []byte, key string, alg string) bool {
	if key == "" {
		return false
	}

	pub, err := ParsePublicKey(key)
	if err != nil {
		return false
	}

	h, err := Hash(alg)
	if err != nil {
		return false
	}
	hasher := h.New()
	hasher.Write(data)

	return rsa.VerifyPKCS1v15(pub, h, hasher.Sum(nil), sig) == nil
}

// Keypair is a PEM encoded key pair.
type Keypair struct {
	PrivateKey string
	PublicKey  string
}

// NewKeypair generates an RSA key pair. The private key is PKCS #8, the
// public key PKIX.
func NewKeypair(bits int) (Keypair, error) {
	prv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return Keypair{}, fmt.Errorf("failed to generate key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(prv)
	if err != nil {
		return Keypair{}, err
	}
	pub, err := x509.MarshalPKIXPublicKey(&prv.PublicKey)
	if err != nil {
		return Keypair{}, err
	}

	return Keypair{
		PrivateKey: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
		PublicKey:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub})),
	}, nil
}

// RSAToPEM converts a public key in PEM (PKIX or PKCS #1), base64 DER or raw
// DER form to PKIX PEM.
func RSAToPEM(key string) (string, error) {
	pub, err := ParsePublicKey(key)
	if err != nil {
		return "", err
	}

	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePublicKey reads an RSA public key.
func ParsePublicKey(key string) (*rsa.PublicKey, error) {
	der := decodeKey(key)
	if der == nil {
		return nil, ErrInvalidKey
	}

	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		if rsaPub, ok := pub.(*rsa.PublicKey); ok {
			return rsaPub, nil
		}
		return nil, ErrInvalidKey
	}
	if pub, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return pub, nil
	}
	// A private key carries its public half.
	if prv, err := parsePrivateDER(der); err == nil {
		return &prv.PublicKey, nil
	}
	return nil, ErrInvalidKey
}

// ParsePrivateKey reads a PKCS #8 or PKCS #1 RSA private key.
func ParsePrivateKey(key string) (*rsa.PrivateKey, error) {
	der := decodeKey(key)
	if der == nil {
		return nil, ErrInvalidKey
	}
	return parsePrivateDER(der)
}

func parsePrivateDER(der []byte) (*rsa.PrivateKey, error) {
	if prv, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		if rsaPrv, ok := prv.(*rsa.PrivateKey); ok {
			return rsaPrv, nil
		}
		return nil, ErrInvalidKey
	}
	if prv, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return prv, nil
	}
	return nil, ErrInvalidKey
}

func decodeKey(key string) []byte {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return nil
	}
	if block, _ := pem.Decode([]byte(trimmed)); block != nil {
		return block.Bytes
	}
	if der, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
		return der
	}
	return []byte(key)
}

// Envelope is an encrypted payload with its RSA encrypted session key.
type Envelope struct {
	Encrypted bool   `json:"encrypted"`
	Alg       string `json:"alg"`
	Key       string `json:"key"`
	IV        string `json:"iv"`
	Data      string `json:"data"`
}

// Encapsulate encrypts data with a random AES-256-CBC key. Key and iv are
// encrypted with the public key. All parts are base64url without padding.
func Encapsulate(data []byte, pubkey string) (Envelope, error) {
	pub, err := ParsePublicKey(pubkey)
	if err != nil {
		return Envelope{}, err
	}

	key := make([]byte, 32)
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(key); err != nil {
		return Envelope{}, err
	}
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, err
	}

	encrypted, err := encryptAES256CBC(data, key, iv)
	if err != nil {
		return Envelope{}, err
	}

	k, err := rsa.EncryptPKCS1v15(rand.Reader, pub, key)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encrypt key: %w", err)
	}
	i, err := rsa.EncryptPKCS1v15(rand.Reader, pub, iv)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encrypt iv: %w", err)
	}

	return Envelope{
		Encrypted: true,
		Alg:       AlgAES256CBC,
		Key:       Base64URLEncode(k, true),
		IV:        Base64URLEncode(i, true),
		Data:      Base64URLEncode(encrypted, true),
	}, nil
}

// Unencapsulate reverses Encapsulate with the private key.
func Unencapsulate(env Envelope, prvkey string) ([]byte, error) {
	if env.Alg != "" && env.Alg != AlgAES256CBC {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, env.Alg)
	}

	prv, err := ParsePrivateKey(prvkey)
	if err != nil {
		return nil, err
	}

	key, err := decryptPart(prv, env.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key: %w", err)
	}
	iv, err := decryptPart(prv, env.IV)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt iv: %w", err)
	}

	data, err := Base64URLDecode(env.Data)
	if err != nil {
		return nil, err
	}
	return decryptAES256CBC(data, key, iv)
}

func decryptPart(prv *rsa.PrivateKey, part string) ([]byte, error) {
	raw, err := Base64URLDecode(part)
	if err != nil {
		return nil, err
	}
	return rsa.DecryptPKCS1v15(rand.Reader, prv, raw)
}

// key and iv are zero padded to the cipher sizes.
func aesCipher(key, iv []byte) (cipher.Block, []byte, error) {
	k := make([]byte, 32)
	copy(k, key)
	v := make([]byte, aes.BlockSize)
	copy(v, iv)

	block, err := aes.NewCipher(k)
	return block, v, err
}

func encryptAES256CBC(data, key, iv []byte) ([]byte, error) {
	block, v, err := aesCipher(key, iv)
	if err != nil {
		return nil, err
	}

	pad := aes.BlockSize - len(data)%aes.BlockSize
	plain := append(bytes.Clone(data), bytes.Repeat([]byte{byte(pad)}, pad)...)

	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, v).CryptBlocks(out, plain)
	return out, nil
}

func decryptAES256CBC(data, key, iv []byte) ([]byte, error) {
	block, v, err := aesCipher(key, iv)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, ErrInvalidPadding
	}

	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, v).CryptBlocks(out, data)

	pad := int(out[len(out)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(out) {
		return nil, ErrInvalidPadding
	}
	for _, b := range out[len(out)-pad:] {
		if int(b) != pad {
			return nil, ErrInvalidPadding
		}
	}
	return out[:len(out)-pad], nil
}

// RandomDigits returns n cryptographically random decimal digits.
func RandomDigits(n int) (string, error) {
	var sb strings.Builder
	ten := big.NewInt(10)
	for range n {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		sb.WriteByte(byte('0' + d.Int64()))
	}
	return sb.String(), nil
}

// Base64URLEncode encodes with the url alphabet, optionally without padding.
func Base64URLEncode(data []byte, strip bool) string {
	if strip {
		return base64.RawURLEncoding.EncodeToString(data)
	}
	return base64.URLEncoding.EncodeToString(data)
}

// Base64URLDecode decodes url alphabet base64 with or without padding. Some
// senders use the standard alphabet, which is accepted as well.
func Base64URLDecode(s string) ([]byte, error) {
	s = strings.NewReplacer("+", "-", "/", "_").Replace(strings.TrimRight(strings.TrimSpace(s), "="))
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64url data: %w", err)
	}
	return data, nil
}
