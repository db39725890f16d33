// Package crypto implements the cryptographic capability used by the
// cyphercore messenger.
//
// The core is algorithm-agnostic: every component that encrypts, decrypts,
// signs or verifies does so through the Suite interface. The default suite
// uses NaCl secretbox for authenticated symmetric encryption and Ed25519
// for signatures, through Go's x/crypto packages.
//
// Example:
//
//	keys, err := crypto.GenerateIdentityKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", hex.EncodeToString(keys.Public[:]))
package crypto
