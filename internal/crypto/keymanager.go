// Package crypto loads the operator's signing key, optionally from a
// password-sealed keyfile, and signs settlement-chain transactions with it.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations  = 480_000
	saltLen        = 16
	aesKeyLen      = 32
	keyfileVersion = 2
)

// keyfile is the on-disk sealed key. The operator address is stored in clear
// so operators can tell keyfiles apart, and is authenticated as GCM
// additional data so it cannot be swapped.
type keyfile struct {
	Version    int    `json:"version"`
	Address    string `json:"address"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeyConfig lists the key sources. RawPrivateKey wins over the keyfile.
type KeyConfig struct {
	RawPrivateKey    string
	EncryptedKeyPath string
	KeyPassword      string
}

var b64 = base64.StdEncoding

func aead(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, kdfIterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func parseKey(privateKeyHex string) ([]byte, common.Address, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("crypto: private key is not hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, common.Address{}, fmt.Errorf("crypto: expected 32-byte key, got %d bytes", len(raw))
	}
	pk, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("crypto: invalid secp256k1 key: %w", err)
	}
	return raw, ethcrypto.PubkeyToAddress(pk.PublicKey), nil
}

// EncryptKey seals a hex private key under password and returns the keyfile
// JSON.
func EncryptKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	raw, addr, err := parseKey(privateKeyHex)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	gcm, err := aead(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}

	return json.MarshalIndent(keyfile{
		Version:    keyfileVersion,
		Address:    addr.Hex(),
		Salt:       b64.EncodeToString(salt),
		Nonce:      b64.EncodeToString(nonce),
		Ciphertext: b64.EncodeToString(gcm.Seal(nil, nonce, raw, addr.Bytes())),
	}, "", "  ")
}

// DecryptKey opens a keyfile and returns the private key as hex without the
// 0x prefix.
func DecryptKey(data []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}
	var kf keyfile
	if err := json.Unmarshal(data, &kf); err != nil {
		return "", fmt.Errorf("crypto: parse keyfile: %w", err)
	}
	if kf.Version != keyfileVersion {
		return "", fmt.Errorf("crypto: unsupported keyfile version %d", kf.Version)
	}
	if !common.IsHexAddress(kf.Address) {
		return "", fmt.Errorf("crypto: keyfile address %q is invalid", kf.Address)
	}
	addr := common.HexToAddress(kf.Address)

	var salt, nonce, sealed []byte
	for _, f := range []struct {
		name string
		in   string
		out  *[]byte
	}{{"salt", kf.Salt, &salt}, {"nonce", kf.Nonce, &nonce}, {"ciphertext", kf.Ciphertext, &sealed}} {
		b, err := b64.DecodeString(f.in)
		if err != nil {
			return "", fmt.Errorf("crypto: decode %s: %w", f.name, err)
		}
		*f.out = b
	}

	gcm, err := aead(password, salt)
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("crypto: nonce is %d bytes, want %d", len(nonce), gcm.NonceSize())
	}
	raw, err := gcm.Open(nil, nonce, sealed, addr.Bytes())
	if err != nil {
		return "", errors.New("crypto: keyfile does not open (wrong password or tampered address)")
	}
	return hex.EncodeToString(raw), nil
}

// LoadSigner resolves the key and binds it to chainID.
func LoadSigner(cfg KeyConfig, chainID int64) (*Signer, error) {
	k, err := LoadKey(cfg)
	if err != nil {
		return nil, err
	}
	return NewSigner(k, chainID)
}

// LoadKey resolves the private key from the configured source.
func LoadKey(cfg KeyConfig) (string, error) {
	switch {
	case cfg.RawPrivateKey != "":
		if _, _, err := parseKey(cfg.RawPrivateKey); err != nil {
			return "", err
		}
		return strings.TrimPrefix(cfg.RawPrivateKey, "0x"), nil
	case cfg.EncryptedKeyPath != "":
		data, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return "", fmt.Errorf("crypto: read keyfile: %w", err)
		}
		return DecryptKey(data, cfg.KeyPassword)
	default:
		return "", errors.New("crypto: no key source configured (wallet.private_key or wallet.encrypted_key_path)")
	}
}
