// Package config loads the dev server configuration from the environment,
// generating and persisting key material on first run.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"
)

type Config struct {
	HTTPPort     string
	DatabasePath string
	JWTSecret    string
	VAPIDKeys    *VAPIDKeys
	// PushTTL is the web push message TTL in seconds.
	PushTTL int
}

// VAPIDKeys is the application server key pair. PublicKey is the
// base64url-encoded uncompressed P-256 point handed to browsers; PrivateKey
// is the raw 32-byte scalar the push library signs with.
type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

func Load() (*Config, error) {
	keys, err := loadVAPIDKeys()
	if err != nil {
		return nil, err
	}
	return &Config{
		HTTPPort:     getEnv("HTTP_PORT", "8080"),
		DatabasePath: getEnv("DATABASE_PATH", "portalpush.db"),
		JWTSecret:    loadOrGenerateJWTSecret(),
		VAPIDKeys:    keys,
		PushTTL:      getEnvInt("PUSH_TTL", 60),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func generateRandomSecret() string {
	bytes := make([]byte, 32)
	rand.Read(bytes)
	return base64.URLEncoding.EncodeToString(bytes)
}

// loadOrGenerateJWTSecret reads the signing secret from the environment, then
// from the keys directory, and finally generates and persists a fresh one.
// Persisting keeps issued tokens valid across restarts.
func loadOrGenerateJWTSecret() string {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		return secret
	}

	keysDir := getKeysDirectory()
	secretFile := filepath.Join(keysDir, "jwt-secret.key")

	if secretData, err := os.ReadFile(secretFile); err == nil {
		secret := strings.TrimSpace(string(secretData))
		if secret != "" {
			return secret
		}
	}

	secret := generateRandomSecret()
	if err := os.MkdirAll(keysDir, 0700); err == nil {
		if err := os.WriteFile(secretFile, []byte(secret), 0600); err != nil {
			fmt.Printf("Warning: failed to save JWT secret: %v\n", err)
			fmt.Println("The secret will be regenerated on next restart unless set via JWT_SECRET")
		}
	}
	return secret
}

// loadVAPIDKeys resolves the application server key pair: environment first,
// then the keys directory, then a freshly generated pair persisted for next
// time. Rotating this pair invalidates every existing subscription, so the
// pair must survive restarts.
func loadVAPIDKeys() (*VAPIDKeys, error) {
	publicKey := os.Getenv("VAPID_PUBLIC_KEY")
	privateKey := os.Getenv("VAPID_PRIVATE_KEY")
	subject := getEnv("VAPID_SUBJECT", "mailto:admin@portal.example")

	if publicKey != "" && privateKey != "" {
		return &VAPIDKeys{PublicKey: publicKey, PrivateKey: privateKey, Subject: subject}, nil
	}

	keysDir := getKeysDirectory()
	publicKeyFile := filepath.Join(keysDir, "vapid-public.key")
	privateKeyFile := filepath.Join(keysDir, "vapid-private.key")

	publicData, pubErr := os.ReadFile(publicKeyFile)
	privateData, privErr := os.ReadFile(privateKeyFile)
	if pubErr == nil && privErr == nil {
		publicKey = strings.TrimSpace(string(publicData))
		privateKey = strings.TrimSpace(string(privateData))
		if validVAPIDPair(publicKey, privateKey) {
			return &VAPIDKeys{PublicKey: publicKey, PrivateKey: privateKey, Subject: subject}, nil
		}
		// Unreadable or wrong-length keys would break every send. Regenerate.
		fmt.Println("Warning: stored VAPID keys are malformed, regenerating")
		os.Remove(publicKeyFile)
		os.Remove(privateKeyFile)
	}

	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, fmt.Errorf("generate vapid keys: %w", err)
	}

	if err := saveVAPIDKeys(keysDir, publicKey, privateKey); err != nil {
		fmt.Printf("Warning: failed to save VAPID keys: %v\n", err)
		fmt.Println("Keys will be regenerated on next restart unless set via environment variables")
	}

	return &VAPIDKeys{PublicKey: publicKey, PrivateKey: privateKey, Subject: subject}, nil
}

// validVAPIDPair checks the stored keys decode to the expected raw lengths:
// a 65-byte uncompressed public point and a 32-byte private scalar.
func validVAPIDPair(publicKey, privateKey string) bool {
	pub, err := base64.RawURLEncoding.DecodeString(publicKey)
	if err != nil || len(pub) != 65 || pub[0] != 0x04 {
		return false
	}
	priv, err := base64.RawURLEncoding.DecodeString(privateKey)
	return err == nil && len(priv) == 32
}

func getKeysDirectory() string {
	if dir := os.Getenv("KEYS_DIR"); dir != "" {
		return dir
	}
	execPath, err := os.Executable()
	if err != nil {
		return "keys"
	}
	return filepath.Join(filepath.Dir(execPath), "keys")
}

func saveVAPIDKeys(keysDir, publicKey, privateKey string) error {
	if err := os.MkdirAll(keysDir, 0700); err != nil {
		return fmt.Errorf("failed to create keys directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(keysDir, "vapid-public.key"), []byte(publicKey), 0600); err != nil {
		return fmt.Errorf("failed to save public key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(keysDir, "vapid-private.key"), []byte(privateKey), 0600); err != nil {
		return fmt.Errorf("failed to save private key: %w", err)
	}
	return nil
}
