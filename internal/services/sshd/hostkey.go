package sshd

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"

	"github.com/0tSystemsPublicRepos/hpti/internal/logging"
)

const hostKeyBits = 2048

// LoadOrGenerateHostKey reads a PEM private key from path. When the file does
// not exist a new RSA key is generated and, if path is set, written there so
// the fingerprint stays stable across restarts.
func LoadOrGenerateHostKey(path string) (ssh.Signer, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			signer, err := ssh.ParsePrivateKey(data)
			if err != nil {
				return nil, fmt.Errorf("failed to parse host key %s: %w", path, err)
			}
			return signer, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read host key %s: %w", path, err)
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, hostKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate host key: %w", err)
	}

	if path != "" {
		block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
			return nil, fmt.Errorf("failed to write host key %s: %w", path, err)
		}
		logging.Info("[SSH] Generated new host key at %s", path)
	}

	return ssh.NewSignerFromKey(key)
}
