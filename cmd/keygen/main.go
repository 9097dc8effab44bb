// Command keygen creates operator key material: a regnido-key-v1 file with
// the Ed25519 private key encrypted under a passphrase, plus the public key
// PEM an administrator registers on the server.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/emmecoopconsulting-arch/RegNidoV2/internal/keys"
)

func main() {
	username := flag.String("username", "", "operator username the key belongs to")
	output := flag.String("out", "", "key file path (default <username>.key.json)")
	validDays := flag.Int("valid-days", 180, "days until the key expires (0 = no expiry)")
	flag.Parse()

	if *username == "" {
		flag.Usage()
		os.Exit(2)
	}

	passphrase := os.Getenv("KEY_PASSPHRASE")
	if passphrase == "" {
		log.Fatalf("KEY_PASSPHRASE must be set; the private key is encrypted under it")
	}

	path := *output
	if path == "" {
		path = *username + ".key.json"
	}
	if _, err := os.Stat(path); err == nil {
		log.Fatalf("refusing to overwrite existing key file %s", path)
	}

	material, publicPEM, err := keys.Generate(*username, passphrase, time.Duration(*validDays)*24*time.Hour)
	if err != nil {
		log.Fatalf("key generation failed: %v", err)
	}
	if err := material.Save(path); err != nil {
		log.Fatalf("key file write failed: %v", err)
	}
	publicPath := path + ".pub"
	if err := os.WriteFile(publicPath, []byte(publicPEM), 0o644); err != nil {
		log.Fatalf("public key write failed: %v", err)
	}

	fmt.Printf("key id:      %s\n", material.KeyID)
	fmt.Printf("fingerprint: %s\n", material.Fingerprint)
	fmt.Printf("key file:    %s\n", path)
	fmt.Printf("public key:  %s (register this with the server)\n", publicPath)
	if material.ExpiresAt != nil {
		fmt.Printf("expires:     %s\n", material.ExpiresAt.Format(time.RFC3339))
	}
}
