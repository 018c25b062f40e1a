package registryserver

import (
	"fmt"

	"github.com/ProtonMail/gopenpgp/v2/crypto"
)

// VerifySignedUpload checks an ASCII-armored detached PGP signature over an
// uploaded archive's bytes against a publisher's public key, for packages
// that opt into signed publishing. The registry never requires a
// signature: `publish` can omit one entirely, in which case the caller
// skips this check.
func VerifySignedUpload(publicKeyArmored string, data []byte, signatureArmored string) error {
	key, err := crypto.NewKeyFromArmored(publicKeyArmored)
	if err != nil {
		return fmt.Errorf("registryserver: parse publisher key: %w", err)
	}
	keyring, err := crypto.NewKeyRing(key)
	if err != nil {
		return fmt.Errorf("registryserver: build keyring: %w", err)
	}

	sig, err := crypto.NewPGPSignatureFromArmored(signatureArmored)
	if err != nil {
		return fmt.Errorf("registryserver: parse signature: %w", err)
	}

	if err := keyring.VerifyDetached(crypto.NewPlainMessage(data), sig, crypto.GetUnixTime()); err != nil {
		return fmt.Errorf("registryserver: signature verification failed: %w", err)
	}
	return nil
}
