package cmd

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/api"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/api/middleware"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/crypto"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/crypto/keystore"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/utils"
)

var (
	exportFormat string
	outputPath   string
	forceExport  bool
	importPath   string
	tokenTTL     time.Duration
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage the identity key",
	Long: `Manage the Ed25519 identity of this node.

The identity key:
- signs every direct message event
- derives the shared secrets used to encrypt conversations
- scopes the local message database`,
}

var keyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Create a new identity keystore",
	Long: `Create the encrypted keystore holding a new identity, or one imported with
--import from a raw or hex encoded Ed25519 private key, or from a directory
written by 'key export --format keyfiles'.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		u := newUnlocker()
		if u.Exists() {
			exitWithError("key", "A keystore already exists at %s", u.Path())
		}

		if importPath == "" {
			if _, err := u.Unlock(); err != nil {
				exitWithError("key", "Failed to create keystore: %v", err)
			}
		} else {
			keyPair, err := readPrivateKeyFile(importPath)
			if err != nil {
				exitWithError("key", "%v", err)
			}
			data, err := keystore.NewKeystoreDataFromKeyPair(keyPair)
			if err != nil {
				exitWithError("key", "%v", err)
			}
			passphrase, err := readNewPassphrase()
			if err != nil {
				exitWithError("key", "%v", err)
			}
			if err := sealAndSave(u, data, passphrase); err != nil {
				exitWithError("key", "%v", err)
			}
		}

		pub, err := u.PublicKey()
		if err != nil {
			exitWithError("key", "%v", err)
		}
		fmt.Println("✓ Identity created")
		fmt.Printf("  Public key: %s\n", pub)
		fmt.Printf("  Keystore:   %s\n", u.Path())
	},
}

var keyShowCmd = &cobra.Command{
	Use:     "show",
	Aliases: []string{"info"},
	Short:   "Display the identity public key",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		pub, err := identityPublicKey()
		if err != nil {
			exitWithError("key", "%v", err)
		}
		raw, err := crypto.DecodePublicKey(pub)
		if err != nil {
			exitWithError("key", "Keystore holds an invalid public key: %v", err)
		}
		keyPair := &crypto.KeyPair{PublicKey: raw}

		fmt.Println("Identity")
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Printf("Public Key (hex):    %s\n", pub)
		fmt.Printf("Public Key (base58): %s\n", keyPair.PublicKeyBase58())
		fmt.Printf("Keystore:            %s\n", newUnlocker().Path())
	},
}

var keyExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the identity private key",
	Long: `Export the Ed25519 private key of this identity.

SECURITY WARNING: the private key reads every conversation of this identity
and sends messages in its name. Never share it.

Supported formats:
  - binary: Raw binary format (64 bytes) - default
  - hex: Hexadecimal string format (128 characters)
  - keyfiles: ed25519_private.key and ed25519_public.key in the --output directory`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		_, keyPair, err := unlockIdentity()
		if err != nil {
			exitWithError("key", "%v", err)
		}

		fmt.Println("⚠️  SECURITY WARNING ⚠️")
		fmt.Println("You are about to export the private key of this identity.")
		fmt.Println("Anyone holding it can read your conversations and write as you.")
		fmt.Println()

		if !forceExport {
			fmt.Print("Do you want to continue? (yes/no): ")
			var response string
			fmt.Scanln(&response)
			if response != "yes" && response != "y" && response != "YES" && response != "Y" {
				fmt.Println("Export cancelled.")
				return
			}
		}

		if exportFormat == "keyfiles" {
			dir := outputPath
			if dir == "" {
				dir = utils.GetAppPaths("").GetExportPath("")
			}
			if err := crypto.SaveKeys(keyPair, dir); err != nil {
				exitWithError("key", "Failed to write key files: %v", err)
			}
			fmt.Println("✓ Key files exported successfully")
			fmt.Printf("  Location: %s\n", dir)
			return
		}

		var dataToWrite []byte
		switch exportFormat {
		case "binary":
			dataToWrite = keyPair.PrivateKeyBytes()
		case "hex":
			dataToWrite = []byte(hex.EncodeToString(keyPair.PrivateKeyBytes()))
		default:
			exitWithError("key", "Unsupported format '%s'. Use 'binary', 'hex' or 'keyfiles'.", exportFormat)
		}

		outputFile := outputPath
		if outputFile == "" {
			name := "exported_private_key.bin"
			if exportFormat == "hex" {
				name = "exported_private_key.txt"
			}
			outputFile = utils.GetAppPaths("").GetExportPath(name)
			if err := os.MkdirAll(filepath.Dir(outputFile), 0700); err != nil {
				exitWithError("key", "Failed to create export directory: %v", err)
			}
		}

		// Write to file with secure permissions (only owner can read)
		if err := os.WriteFile(outputFile, dataToWrite, 0600); err != nil {
			exitWithError("key", "Failed to write key to file: %v", err)
		}

		fmt.Println("✓ Private key exported successfully")
		fmt.Printf("  Format: %s\n", exportFormat)
		fmt.Printf("  Location: %s\n", outputFile)
		fmt.Println("Remember to keep this file secure and delete it when no longer needed.")
	},
}

var keyTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for the local API",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		data, keyPair, err := unlockIdentity()
		if err != nil {
			exitWithError("key", "%v", err)
		}

		ttl := tokenTTL
		if ttl <= 0 {
			ttl = config.GetConfigDuration("api_token_ttl", 24*time.Hour)
		}
		token, err := middleware.NewJWTManager(data.APISecret, api.TokenIssuer).
			GenerateToken(keyPair.PublicKeyHex(), "cli", ttl)
		if err != nil {
			exitWithError("key", "Failed to issue token: %v", err)
		}
		fmt.Println(token)
	},
}

var keyPassphraseCmd = &cobra.Command{
	Use:   "passphrase",
	Short: "Change the keystore passphrase",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		u := newUnlocker()
		ks, err := keystore.Load(u.Path())
		if err != nil {
			exitWithError("key", "%v", err)
		}

		fmt.Print("Current passphrase: ")
		current, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			exitWithError("key", "Failed to read passphrase: %v", err)
		}
		next, err := readNewPassphrase()
		if err != nil {
			exitWithError("key", "%v", err)
		}

		updated, err := keystore.ChangePassphrase(ks, string(current), next)
		if err != nil {
			exitWithError("key", "%v", err)
		}
		if err := keystore.Save(updated, u.Path()); err != nil {
			exitWithError("key", "%v", err)
		}
		if useKeychain && u.Session != nil {
			u.Session.Clear()
		}
		fmt.Println("✓ Passphrase changed")
	},
}

func readPrivateKeyFile(path string) (*crypto.KeyPair, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return crypto.LoadKeys(path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %v", err)
	}
	if decoded, err := hex.DecodeString(string(trimNewline(raw))); err == nil {
		raw = decoded
	}
	return crypto.KeyPairFromPrivateKey(raw)
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func readNewPassphrase() (string, error) {
	fmt.Print("New passphrase: ")
	first, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %v", err)
	}
	fmt.Print("Confirm passphrase: ")
	second, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %v", err)
	}
	if len(first) == 0 {
		return "", fmt.Errorf("passphrase cannot be empty")
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passphrases do not match")
	}
	return string(first), nil
}

func sealAndSave(u *keystore.Unlocker, data *keystore.KeystoreData, passphrase string) error {
	if err := os.MkdirAll(u.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %v", err)
	}
	ks, err := keystore.Seal(passphrase, data)
	if err != nil {
		return err
	}
	return keystore.Save(ks, u.Path())
}

func init() {
	rootCmd.AddCommand(keyCmd)
	keyCmd.AddCommand(keyGenerateCmd, keyShowCmd, keyExportCmd, keyTokenCmd, keyPassphraseCmd)

	keyGenerateCmd.Flags().StringVar(&importPath, "import", "", "import an existing private key file (raw or hex) or key directory")
	keyExportCmd.Flags().StringVarP(&exportFormat, "format", "f", "binary", "export format: binary, hex or keyfiles")
	keyExportCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: auto-generated in data directory)")
	keyExportCmd.Flags().BoolVar(&forceExport, "force", false, "skip confirmation prompt (use with caution)")
	keyTokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default: api_token_ttl)")
}
