package push

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/rendezvous/internal/logger"
)

const defaultVAPIDKeysPath = "config/vapid.json"

// VAPIDKeys: пара ключей для Web Push, base64url без паддинга.
type VAPIDKeys struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// Validate проверяет форму ключей: несжатая точка P-256 (65 байт) и скаляр (32 байта).
func (k *VAPIDKeys) Validate() error {
	if k == nil || k.PublicKey == "" || k.PrivateKey == "" {
		return errors.New("vapid: empty key")
	}
	pub, err := decodeKey(k.PublicKey)
	if err != nil || len(pub) != 65 || pub[0] != 0x04 {
		return errors.New("vapid: malformed public key")
	}
	priv, err := decodeKey(k.PrivateKey)
	if err != nil || len(priv) != 32 {
		return errors.New("vapid: malformed private key")
	}
	return nil
}

func decodeKey(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// ResolveVAPIDKeys: ключи из конфигурации важнее файла; без них файл создаётся при первом запуске.
func ResolveVAPIDKeys(publicKey, privateKey, path string) (*VAPIDKeys, error) {
	if publicKey != "" || privateKey != "" {
		keys := &VAPIDKeys{PublicKey: publicKey, PrivateKey: privateKey}
		if err := keys.Validate(); err != nil {
			return nil, err
		}
		return keys, nil
	}
	return EnsureVAPIDKeys(path)
}

// EnsureVAPIDKeys читает ключи из path (по умолчанию config/vapid.json), а если файла нет
// или он испорчен, генерирует новую пару и сохраняет её.
func EnsureVAPIDKeys(path string) (*VAPIDKeys, error) {
	if path == "" {
		path = defaultVAPIDKeysPath
	}
	if data, err := os.ReadFile(path); err == nil {
		var keys VAPIDKeys
		if err := json.Unmarshal(data, &keys); err == nil && keys.Validate() == nil {
			return &keys, nil
		}
		logger.Errorf("push: %s повреждён, ключи будут сгенерированы заново", path)
	}

	// GenerateVAPIDKeys возвращает (private, public).
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, fmt.Errorf("vapid generate: %w", err)
	}
	keys := &VAPIDKeys{PublicKey: pub, PrivateKey: priv}
	if err := keys.save(path); err != nil {
		logger.Errorf("push: не удалось сохранить VAPID-ключи в %s: %v (ключи используются только в этом процессе)", path, err)
		return keys, nil
	}
	logger.Infof("push: VAPID-ключи сгенерированы и сохранены в %s", path)
	return keys, nil
}

func (k *VAPIDKeys) save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(k, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
