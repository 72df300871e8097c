package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"os"

	"golang.org/x/crypto/scrypt"

	"github.com/havenlabs/haven/pkg/errdefs"
)

// Key derivation parameters. The salt is a fixed application constant:
// archives must be decryptable on a freshly reinstalled host where
// nothing but the passphrase survives.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
	keySize = 32

	nonceSize = 12
	tagSize   = 16
)

var keySalt = []byte("haven-backup-v1")

// deriveKey stretches the passphrase into an AES-256 key.
func deriveKey(secret string) ([]byte, error) {
	key, err := scrypt.Key([]byte(secret), keySalt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, errdefs.NewInternal("key derivation failed", err)
	}
	return key, nil
}

// encryptFile seals src into dst with AES-256-GCM. The output layout is
// nonce, then the 16-byte auth tag, then the ciphertext.
func encryptFile(src, dst, secret string) error {
	plaintext, err := os.ReadFile(src)
	if err != nil {
		return errdefs.NewInternal("read archive", err)
	}

	gcm, err := newGCM(secret)
	if err != nil {
		return err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return errdefs.NewInternal("generate nonce", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, nonceSize+tagSize+len(ciphertext))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ciphertext...)

	return os.WriteFile(dst, out, 0600)
}

// decryptFile opens an encrypted archive into dst. A wrong passphrase
// or corrupted archive fails tag verification: no partial plaintext is
// ever written.
func decryptFile(src, dst, secret string) error {
	raw, err := os.ReadFile(src)
	if err != nil {
		return errdefs.NewInternal("read encrypted archive", err)
	}
	if len(raw) < nonceSize+tagSize {
		return errdefs.NewAuth("archive too short to be valid", nil).
			WithCode(errdefs.ErrCodeTagMismatch)
	}

	gcm, err := newGCM(secret)
	if err != nil {
		return err
	}

	nonce := raw[:nonceSize]
	tag := raw[nonceSize : nonceSize+tagSize]
	ciphertext := raw[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return errdefs.NewAuth("archive authentication failed", err).
			WithCode(errdefs.ErrCodeTagMismatch)
	}
	return os.WriteFile(dst, plaintext, 0600)
}

func newGCM(secret string) (cipher.AEAD, error) {
	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errdefs.NewInternal("create cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errdefs.NewInternal("create gcm", err)
	}
	return gcm, nil
}
