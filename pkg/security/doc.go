/*
Package security handles encryption of graph template secrets at rest.

Secrets arrive plaintext on a graph template PUT, are encrypted with
AES-256-GCM before persistence, and are decrypted only when a lease hands
work to a runtime that declared them as required.

The 32-byte key comes from SECRETS_ENCRYPTION_KEY, a 44-character URL-safe
base64 value parsed once at startup; a missing or malformed key fails the
process before it serves a request. The Encrypter is process-global and
read-only after init.

Ciphertexts are self-contained: the random GCM nonce is prepended to the
sealed data, so no additional bookkeeping is stored.
*/
package security
