package keystore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/crypto"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/utils"
)

// FileName is the keystore file inside the data directory
const FileName = "keystore.dat"

// Unlocker opens the keystore, creating it on first run.
// Passphrase sources, in order: config, passphrase file, native session, terminal prompt.
type Unlocker struct {
	DataDir        string
	PassphraseFile string
	Config         *utils.ConfigManager
	Session        crypto.NativeKeySession // optional
	// Prompt replaces the terminal prompt, mainly for tests
	Prompt func(confirm bool) (string, error)
}

// Exists reports whether a keystore has already been created
func (u *Unlocker) Exists() bool {
	_, err := os.Stat(filepath.Join(u.DataDir, FileName))
	return err == nil
}

// Path returns the keystore file location
func (u *Unlocker) Path() string {
	return filepath.Join(u.DataDir, FileName)
}

// PublicKey returns the identity public key without asking for the passphrase
func (u *Unlocker) PublicKey() (string, error) {
	ks, err := Load(u.Path())
	if err != nil {
		return "", err
	}
	if ks.PublicKey == "" {
		return "", fmt.Errorf("keystore does not record its public key; unlock it once to upgrade")
	}
	return ks.PublicKey, nil
}

// Unlock returns the decrypted keystore
func (u *Unlocker) Unlock() (*KeystoreData, error) {
	path := filepath.Join(u.DataDir, FileName)

	if _, err := os.Stat(path); err != nil {
		return u.create(path)
	}

	ks, err := Load(path)
	if err != nil {
		return nil, err
	}

	passphrase, fromSession, err := u.passphrase(false)
	if err != nil {
		return nil, err
	}

	data, err := Open(ks, passphrase)
	if err != nil {
		if fromSession {
			// stale cached passphrase, forget it so the next attempt prompts
			u.Session.Clear()
		}
		return nil, fmt.Errorf("failed to unlock keystore: %v", err)
	}

	u.remember(passphrase, fromSession)
	return data, nil
}

func (u *Unlocker) create(path string) (*KeystoreData, error) {
	if err := os.MkdirAll(u.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	data, err := NewKeystoreData()
	if err != nil {
		return nil, err
	}

	passphrase, fromSession, err := u.passphrase(true)
	if err != nil {
		return nil, err
	}

	ks, err := Seal(passphrase, data)
	if err != nil {
		return nil, err
	}
	if err := Save(ks, path); err != nil {
		return nil, err
	}

	u.remember(passphrase, fromSession)
	return data, nil
}

func (u *Unlocker) remember(passphrase string, fromSession bool) {
	if u.Session == nil || fromSession {
		return
	}
	if err := u.Session.Store(passphrase); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

func (u *Unlocker) passphrase(isNew bool) (string, bool, error) {
	if u.Config != nil {
		if p, ok := u.Config.GetConfig("keystore_passphrase"); ok && p != "" {
			return p, false, nil
		}
	}

	if u.PassphraseFile != "" {
		raw, err := os.ReadFile(u.PassphraseFile)
		if err != nil {
			return "", false, fmt.Errorf("failed to read passphrase file: %v", err)
		}
		return strings.TrimSpace(string(raw)), false, nil
	}

	if u.Session != nil && !isNew {
		if p, ok := u.Session.Load(); ok {
			return p, true, nil
		}
	}

	prompt := u.Prompt
	if prompt == nil {
		prompt = promptTerminal
	}
	p, err := prompt(isNew)
	return p, false, err
}

func promptTerminal(confirm bool) (string, error) {
	if !confirm {
		fmt.Print("Enter keystore passphrase: ")
		passphrase, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase: %v", err)
		}
		if len(passphrase) == 0 {
			return "", fmt.Errorf("passphrase cannot be empty")
		}
		return string(passphrase), nil
	}

	reader := bufio.NewReader(os.Stdin)
	fmt.Println("Your identity key will be encrypted with a passphrase.")
	fmt.Println("If you lose it, you lose access to this identity and its messages.")

	for {
		fmt.Print("\nCreate passphrase: ")
		first, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase: %v", err)
		}
		if len(first) == 0 {
			fmt.Println("Passphrase cannot be empty. Please try again.")
			continue
		}
		if len(first) < 8 {
			fmt.Print("Passphrase is shorter than 8 characters. Continue? (yes/no): ")
			response, _ := reader.ReadString('\n')
			response = strings.TrimSpace(strings.ToLower(response))
			if response != "yes" && response != "y" {
				continue
			}
		}

		fmt.Print("Confirm passphrase: ")
		second, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase confirmation: %v", err)
		}
		if string(first) != string(second) {
			fmt.Println("Passphrases do not match. Please try again.")
			continue
		}
		return string(first), nil
	}
}
