package encryption

import (
	"fmt"

	"hb-go/internal/config"
	"hb-go/internal/hb"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration type.
// The encryptor is built even when encryption is disabled, since `hb keys init`
// and restores of older encrypted archives still need it.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (hb.Encryptor, error) {
	switch cfg.Type {
	case "age", "":
		if cfg.PublicKeyPath == "" || cfg.PrivateKeyPath == "" {
			return nil, fmt.Errorf("age encryption requires public_key_path and private_key_path")
		}
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
