// Package identity manages the on-disk copies of session key material.
//
// Keys are regenerated for every connection; the files written here are
// diagnostic snapshots of the most recent handshake and are never reloaded
// to resume a session.
package identity

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spcmremote/spcmremote/internal/crypto"
)

const (
	// ClientPrivateKeyFile holds the client private key of the last session.
	ClientPrivateKeyFile = "cli_private.pem"

	// ClientPublicKeyFile holds the public key sent to the server.
	ClientPublicKeyFile = "send_cli_public.pem"

	// ServerPublicKeyFile holds the public key received from the server.
	ServerPublicKeyFile = "svr_public.pem"

	// tempDirName is the subdirectory receiving bulk image transfers.
	tempDirName = "temp"

	appAuthor  = "BH"
	appName    = "bhpy"
	appSubDir  = "SPCConnect"
	dirPerm    = 0700
	secretPerm = 0600
)

var (
	// ErrNoKeys is returned when key material has not been persisted yet.
	ErrNoKeys = errors.New("no persisted key material")
)

// DefaultDataDir returns the per-user data directory for the remote-control
// client, following the platform conventions for application data.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return userDataDir(runtime.GOOS, os.Getenv, home), nil
}

// userDataDir resolves the data directory for the given platform.
func userDataDir(goos string, getenv func(string) string, home string) string {
	var base string
	switch goos {
	case "windows":
		base = getenv("LOCALAPPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Local")
		}
		base = filepath.Join(base, appAuthor, appName)
	case "darwin":
		base = filepath.Join(home, "Library", "Application Support", appName)
	default:
		base = getenv("XDG_DATA_HOME")
		if base == "" || !filepath.IsAbs(base) {
			base = filepath.Join(home, ".local", "share")
		}
		base = filepath.Join(base, appName)
	}
	return filepath.Join(base, appSubDir)
}

// Store persists key material under a data directory.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir. The directory is created lazily.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the data directory.
func (s *Store) Dir() string {
	return s.dir
}

// TempDir returns the directory used for received image files.
func (s *Store) TempDir() string {
	return filepath.Join(s.dir, tempDirName)
}

// SaveClientKeys writes the freshly generated client keypair, overwriting
// the files of any previous session.
func (s *Store) SaveClientKeys(kp *crypto.Keypair) error {
	pubPEM, err := kp.PublicPEM()
	if err != nil {
		return err
	}

	if err := s.write(ClientPrivateKeyFile, kp.PrivatePEM()); err != nil {
		return err
	}
	return s.write(ClientPublicKeyFile, pubPEM)
}

// SaveServerPublicKey writes the public key received from the server.
func (s *Store) SaveServerPublicKey(pemBytes []byte) error {
	return s.write(ServerPublicKeyFile, pemBytes)
}

// LoadServerPublicKey reads back the last server public key.
func (s *Store) LoadServerPublicKey() (*rsa.PublicKey, error) {
	data, err := s.read(ServerPublicKeyFile)
	if err != nil {
		return nil, err
	}
	return crypto.ParsePublicKey(data)
}

// LoadClientKeypair reads back the last client keypair.
func (s *Store) LoadClientKeypair() (*crypto.Keypair, error) {
	data, err := s.read(ClientPrivateKeyFile)
	if err != nil {
		return nil, err
	}
	priv, err := crypto.ParsePrivateKey(data)
	if err != nil {
		return nil, err
	}
	return &crypto.Keypair{PrivateKey: priv, PublicKey: &priv.PublicKey}, nil
}

// Exists checks if a complete set of key files is present in dir.
func Exists(dir string) bool {
	for _, name := range []string{ClientPrivateKeyFile, ClientPublicKeyFile, ServerPublicKeyFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

func (s *Store) read(name string) ([]byte, error) {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoKeys, path)
		}
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// write persists data atomically by writing to a temp file first.
func (s *Store) write(name string, data []byte) error {
	if s.dir == "" {
		return errors.New("data directory not set")
	}

	if err := os.MkdirAll(s.dir, dirPerm); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	filePath := filepath.Join(s.dir, name)
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, secretPerm); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		os.Remove(tempPath) // Clean up temp file
		return fmt.Errorf("failed to persist %s: %w", name, err)
	}

	return nil
}
