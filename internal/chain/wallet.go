package chain

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

// Lobby wallets are derived deterministically from a single seed so a
// restart reconstructs the same custodial addresses. The private key for
// lobby n is keccak256(seed || "lobby" || n); keys are only persisted in
// AES-GCM-sealed form.

// Wallet is a custodial keypair for one lobby or the treasury.
type Wallet struct {
	Address common.Address
	priv    *ecdsa.PrivateKey
}

// Key exposes the signing key to the send path.
func (w *Wallet) Key() *ecdsa.PrivateKey { return w.priv }

// DeriveLobbyWallet derives the fixed wallet for one lobby id.
func DeriveLobbyWallet(seed []byte, lobbyID int) (*Wallet, error) {
	material := make([]byte, 0, len(seed)+16)
	material = append(material, seed...)
	material = append(material, []byte("lobby")...)
	material = binary.BigEndian.AppendUint64(material, uint64(lobbyID))

	keyBytes := crypto.Keccak256(material)
	priv, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("derive lobby %d key: %w", lobbyID, err)
	}
	return &Wallet{
		Address: crypto.PubkeyToAddress(priv.PublicKey),
		priv:    priv,
	}, nil
}

// DeriveTreasuryWallet derives the server-owned treasury wallet from its
// own seed phrase.
func DeriveTreasuryWallet(mnemonic string) (*Wallet, error) {
	if mnemonic == "" {
		return nil, fmt.Errorf("treasury mnemonic is empty")
	}
	keyBytes := crypto.Keccak256([]byte("treasury:" + mnemonic))
	priv, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("derive treasury key: %w", err)
	}
	return &Wallet{
		Address: crypto.PubkeyToAddress(priv.PublicKey),
		priv:    priv,
	}, nil
}

const pbkdf2Iterations = 4096

func sealingKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, 32, sha256.New)
}

// SealKey encrypts a private key for at-rest storage. Layout:
// salt(16) || nonce(12) || ciphertext.
func SealKey(priv *ecdsa.PrivateKey, passphrase string) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(sealingKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nil, nonce, crypto.FromECDSA(priv), nil)
	out := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// OpenKey reverses SealKey.
func OpenKey(sealed []byte, passphrase string) (*ecdsa.PrivateKey, error) {
	if len(sealed) < 16+12+1 {
		return nil, fmt.Errorf("sealed key too short")
	}
	salt, rest := sealed[:16], sealed[16:]

	block, err := aes.NewCipher(sealingKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(rest) < gcm.NonceSize() {
		return nil, fmt.Errorf("sealed key missing nonce")
	}
	nonce, ct := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	keyBytes, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("unseal key: %w", err)
	}
	return crypto.ToECDSA(keyBytes)
}
