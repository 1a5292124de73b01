/*
Package security holds the credential cipher and password generation.

Cipher encrypts the secret fields the store persists (API token
secrets, passwords, container root passwords) with AES-256-GCM, nonce
prepended to the ciphertext. The key is derived from the operator's
passphrase with SHA-256; losing the passphrase makes stored
credentials unrecoverable, which is the intended trade.

GenerateRootPassword produces the random root password assigned to
each container Roost creates.
*/
package security
