// Package sshkeys loads and generates SSH private keys for endpoint
// authentication.
//
// Stored endpoints reference private keys by path. Paths may be absolute or
// relative to the user's home directory ("~/.ssh/id_ed25519"); [ExpandPath]
// resolves the latter and [ReadPrivateKey] reads the key bytes. [ParseSigner]
// turns key bytes (optionally passphrase-protected) into an ssh.Signer.
//
// [GenerateKeyPair] and [SaveKeyPair] back the "keygen" command and the test
// SSH servers.
package sshkeys
