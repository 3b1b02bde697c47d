/*
Package security provides the cryptographic helpers Dozer needs outside the
storage envelope: AES-256-GCM encryption for connection secrets embedded in
a dconfig document, and TLS certificate file handling for the gRPC query
API.

# Secrets

SecretsManager encrypts and decrypts arbitrary byte payloads with
AES-256-GCM, keyed either by an explicit 32-byte key or one derived from an
operator passphrase via DeriveKeyFromPassphrase. dconfig uses this to keep
connection credentials encrypted at rest rather than in cleartext YAML.

	key := security.DeriveKeyFromPassphrase(os.Getenv("DOZER_SECRET_KEY"))
	sm, _ := security.NewSecretsManager(key)
	secret, _ := sm.CreateSecret("pg-main-password", []byte("hunter2"))

# Certificates

The cert helpers (GetCertDir, SaveCertToFile, LoadCertFromFile, and related
functions) manage a node's TLS certificate and its issuing CA's certificate
on disk, for the gRPC server's TLS listener (the REST server listens
without TLS). They take a
tls.Certificate and a CA certificate as given; issuing certificates is left
to an operator-provided CA or a standard ACME client, not reimplemented
here.
*/
package security
