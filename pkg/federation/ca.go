package federation

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/nexus-kernel/nexus/pkg/kernel"
	"github.com/nexus-kernel/nexus/pkg/metastore"
)

const (
	rootCAValidity    = 10 * 365 * 24 * time.Hour
	peerCertValidity  = 90 * 24 * time.Hour
	rootKeyBits       = 4096
	peerKeyBits       = 2048
	caMetastoreKey    = "federation/ca"
	caOrganizationTag = "Nexus Kernel"
)

// CertAuthority issues and verifies the mTLS certificates peer kernels use
// to authenticate federation connections, persisting the root key pair
// through pkg/metastore.Metastore.
type CertAuthority struct {
	ms            metastore.Metastore
	encryptionKey []byte

	mu       sync.RWMutex
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
}

// caRecord is the JSON envelope persisted at caMetastoreKey: the root
// certificate in DER, and the root private key AES-GCM-sealed under
// encryptionKey.
type caRecord struct {
	RootCertDER         []byte
	RootKeyDEREncrypted []byte
}

// NewCertAuthority wires a CertAuthority over a Metastore. encryptionKey
// must be exactly 32 bytes (AES-256-GCM) and protects the root private key
// at rest.
func NewCertAuthority(ms metastore.Metastore, encryptionKey []byte) (*CertAuthority, error) {
	if len(encryptionKey) != 32 {
		return nil, kernel.Errorf(kernel.InvalidArgument, "federation.NewCertAuthority", nil)
	}
	return &CertAuthority{ms: ms, encryptionKey: encryptionKey}, nil
}

func (ca *CertAuthority) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(ca.encryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (ca *CertAuthority) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(ca.encryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("federation: ciphertext too short")
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, nil)
}

// Initialize generates a fresh root CA and persists it to the Metastore.
// Call once per zone cluster lifetime; a second call overwrites the prior
// root, invalidating every certificate it ever issued.
func (ca *CertAuthority) Initialize(ctx context.Context) error {
	rootKey, err := rsa.GenerateKey(rand.Reader, rootKeyBits)
	if err != nil {
		return kernel.Errorf(kernel.Internal, "federation.CertAuthority.Initialize", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return kernel.Errorf(kernel.Internal, "federation.CertAuthority.Initialize", err)
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{caOrganizationTag},
			CommonName:   "Nexus Federation Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return kernel.Errorf(kernel.Internal, "federation.CertAuthority.Initialize", err)
	}
	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return kernel.Errorf(kernel.Internal, "federation.CertAuthority.Initialize", err)
	}

	ca.mu.Lock()
	ca.rootCert, ca.rootKey = rootCert, rootKey
	ca.mu.Unlock()

	return ca.save(ctx)
}

func (ca *CertAuthority) save(ctx context.Context) error {
	ca.mu.RLock()
	rootCert, rootKey := ca.rootCert, ca.rootKey
	ca.mu.RUnlock()
	if rootCert == nil || rootKey == nil {
		return kernel.Errorf(kernel.Internal, "federation.CertAuthority.save", nil)
	}

	encryptedKey, err := ca.encrypt(x509.MarshalPKCS1PrivateKey(rootKey))
	if err != nil {
		return kernel.Errorf(kernel.Internal, "federation.CertAuthority.save", err)
	}
	record := caRecord{RootCertDER: rootCert.Raw, RootKeyDEREncrypted: encryptedKey}
	data, err := json.Marshal(record)
	if err != nil {
		return kernel.Errorf(kernel.Internal, "federation.CertAuthority.save", err)
	}
	_, err = ca.ms.Put(ctx, []byte(caMetastoreKey), data, "")
	return err
}

// Load reads a previously Initialize'd root CA back from the Metastore.
func (ca *CertAuthority) Load(ctx context.Context) error {
	data, _, err := ca.ms.Get(ctx, []byte(caMetastoreKey))
	if err != nil {
		return err
	}
	var record caRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return kernel.Errorf(kernel.Internal, "federation.CertAuthority.Load", err)
	}
	rootCert, err := x509.ParseCertificate(record.RootCertDER)
	if err != nil {
		return kernel.Errorf(kernel.Internal, "federation.CertAuthority.Load", err)
	}
	keyDER, err := ca.decrypt(record.RootKeyDEREncrypted)
	if err != nil {
		return kernel.Errorf(kernel.Internal, "federation.CertAuthority.Load", err)
	}
	rootKey, err := x509.ParsePKCS1PrivateKey(keyDER)
	if err != nil {
		return kernel.Errorf(kernel.Internal, "federation.CertAuthority.Load", err)
	}

	ca.mu.Lock()
	ca.rootCert, ca.rootKey = rootCert, rootKey
	ca.mu.Unlock()
	return nil
}

// IssuePeerCertificate issues an mTLS leaf certificate for peerKernelID,
// valid for dnsNames/ipAddresses, usable as both client and server
// credentials on a federation connection.
func (ca *CertAuthority) IssuePeerCertificate(peerKernelID string, dnsNames []string, ipAddresses []net.IP) (*tls.Certificate, error) {
	ca.mu.RLock()
	rootCert, rootKey := ca.rootCert, ca.rootKey
	ca.mu.RUnlock()
	if rootCert == nil || rootKey == nil {
		return nil, kernel.Errorf(kernel.Internal, "federation.IssuePeerCertificate", nil)
	}

	peerKey, err := rsa.GenerateKey(rand.Reader, peerKeyBits)
	if err != nil {
		return nil, kernel.Errorf(kernel.Internal, "federation.IssuePeerCertificate", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, kernel.Errorf(kernel.Internal, "federation.IssuePeerCertificate", err)
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{caOrganizationTag},
			CommonName:   "peer-" + peerKernelID,
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(peerCertValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		DNSNames:    dnsNames,
		IPAddresses: ipAddresses,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, rootCert, &peerKey.PublicKey, rootKey)
	if err != nil {
		return nil, kernel.Errorf(kernel.Internal, "federation.IssuePeerCertificate", err)
	}
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, kernel.Errorf(kernel.Internal, "federation.IssuePeerCertificate", err)
	}

	return &tls.Certificate{Certificate: [][]byte{certDER}, PrivateKey: peerKey, Leaf: leaf}, nil
}

// TrustPool returns a tls.Config carrying only this CA's root as both
// ClientCAs and RootCAs, suitable for PeerTLSConfig's caPool argument.
func (ca *CertAuthority) TrustPool() *tls.Config {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	if ca.rootCert == nil {
		return &tls.Config{}
	}
	pool := x509.NewCertPool()
	pool.AddCert(ca.rootCert)
	return &tls.Config{ClientCAs: pool, RootCAs: pool}
}

// VerifyPeerCertificate checks cert against this CA's root, for use
// outside the standard tls handshake path (e.g. re-validating a cached
// peer certificate before a long-lived reconnect).
func (ca *CertAuthority) VerifyPeerCertificate(cert *x509.Certificate) error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	if ca.rootCert == nil {
		return kernel.Errorf(kernel.Internal, "federation.VerifyPeerCertificate", nil)
	}
	roots := x509.NewCertPool()
	roots.AddCert(ca.rootCert)
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	})
	if err != nil {
		return kernel.Errorf(kernel.PermissionDenied, "federation.VerifyPeerCertificate", err)
	}
	return nil
}
