package platform

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// aes128gcm content coding per RFC 8188, with the web push key derivation of
// RFC 8291. Push payloads fit a single record, so only the one-record case is
// handled.

const (
	eceSaltLen          = 16
	eceKeyLen           = 16
	eceNonceLen         = 12
	eceMinRS            = 18
	asPublicLen         = 65
	ikmLen              = 32
	lastRecordDelimiter = 0x02
)

var errBadRecord = errors.New("malformed encrypted record")

// decryptAES128GCM decrypts a web push message body using the subscription's
// private ECDH key and auth secret.
func decryptAES128GCM(body []byte, uaPriv *ecdh.PrivateKey, authSecret []byte) ([]byte, error) {
	if len(body) < eceSaltLen+4+1 {
		return nil, errBadRecord
	}
	salt := body[:eceSaltLen]
	rs := binary.BigEndian.Uint32(body[eceSaltLen : eceSaltLen+4])
	idlen := int(body[eceSaltLen+4])
	if rs < eceMinRS {
		return nil, fmt.Errorf("record size %d below minimum", rs)
	}
	if idlen != asPublicLen || len(body) < eceSaltLen+5+idlen {
		return nil, errBadRecord
	}
	keyID := body[eceSaltLen+5 : eceSaltLen+5+idlen]
	ciphertext := body[eceSaltLen+5+idlen:]
	if len(ciphertext) > int(rs) {
		return nil, errors.New("multi-record payloads not supported")
	}

	asPub, err := ecdh.P256().NewPublicKey(keyID)
	if err != nil {
		return nil, fmt.Errorf("parse sender public key: %w", err)
	}
	shared, err := uaPriv.ECDH(asPub)
	if err != nil {
		return nil, fmt.Errorf("ecdh agreement: %w", err)
	}

	// IKM = HKDF(auth_secret, ecdh_secret, "WebPush: info" || 0x00 || ua_public || as_public)
	keyInfo := make([]byte, 0, 14+2*asPublicLen)
	keyInfo = append(keyInfo, []byte("WebPush: info\x00")...)
	keyInfo = append(keyInfo, uaPriv.PublicKey().Bytes()...)
	keyInfo = append(keyInfo, keyID...)
	ikm, err := hkdfRead(shared, authSecret, keyInfo, ikmLen)
	if err != nil {
		return nil, err
	}

	cek, err := hkdfRead(ikm, salt, []byte("Content-Encoding: aes128gcm\x00"), eceKeyLen)
	if err != nil {
		return nil, err
	}
	nonce, err := hkdfRead(ikm, salt, []byte("Content-Encoding: nonce\x00"), eceNonceLen)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	padded, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open record: %w", err)
	}

	// Strip padding: plaintext, 0x02 delimiter, then zeros.
	trimmed := bytes.TrimRight(padded, "\x00")
	if len(trimmed) == 0 || trimmed[len(trimmed)-1] != lastRecordDelimiter {
		return nil, errBadRecord
	}
	return trimmed[:len(trimmed)-1], nil
}

func hkdfRead(secret, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}
