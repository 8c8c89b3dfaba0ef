package main

import (
	"log"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"

	"custody/agent/internal/config"
	"custody/agent/internal/stores"
)

// Imports an externally generated deposit-address private key into the
// keystore, e.g. when restoring an address from backup so its funds can be
// swept again.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	keyHex := os.Getenv("IMPORT_PRIVATE_KEY")
	if keyHex == "" {
		log.Fatal("IMPORT_PRIVATE_KEY is not set")
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		log.Fatalf("failed to parse private key: %v", err)
	}

	keyStore, err := stores.NewLocalKeyStore(cfg.KeystorePassphrase, cfg.KeystoreDir)
	if err != nil {
		log.Fatalf("failed to initialize key store: %v", err)
	}

	addr, err := keyStore.ImportECDSA(privateKey, cfg.KeystorePassphrase)
	if err != nil {
		log.Fatalf("import failed: %v", err)
	}

	log.Printf("imported private key, address %s", addr)
}
