/*
Copyright 2024 Pharos Networks, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package ca implements the certificate engine of the control plane:
// authority generation and import, client certificate signing, chain
// verification and fingerprints. Client certificates bind the client
// name (CommonName), the overlay address with its netmask (a private
// extension plus an IP SAN) and the sorted group list (Organization).
package ca

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"math/big"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// OIDIPCIDR is the private extension carrying the "ip/prefix" string
// bound into a client certificate. The IP SAN cannot carry the
// overlay netmask, so the full CIDR travels in this extension.
var OIDIPCIDR = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 57535, 1, 1}

// GenerateConfig drives GenerateAuthority.
type GenerateConfig struct {
	// Name becomes the CommonName and Organization of the authority.
	Name string
	// TTL is the authority validity.
	TTL time.Duration
	// Clock overrides wall clock time in tests.
	Clock clockwork.Clock
}

func (cfg *GenerateConfig) setDefaults() error {
	if cfg.Name == "" {
		return trace.BadParameter("missing authority name")
	}
	if cfg.TTL <= 0 {
		return trace.BadParameter("authority TTL must be positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// GeneratedAuthority is the key material produced by
// GenerateAuthority, PEM encoded for persistence.
type GeneratedAuthority struct {
	// CertPEM is the PEM encoded self-signed certificate.
	CertPEM []byte
	// KeyPEM is the PEM encoded PKCS#8 private key.
	KeyPEM []byte
	// NotBefore and NotAfter echo the certificate validity.
	NotBefore time.Time
	NotAfter  time.Time
}

// GenerateAuthority creates a self-signed ECDSA P-256 certificate
// authority for the mesh.
func GenerateAuthority(cfg GenerateConfig) (*GeneratedAuthority, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	notBefore := cfg.Clock.Now().UTC()
	notAfter := notBefore.Add(cfg.TTL)

	serialNumber, err := newSerialNumber()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	entity := pkix.Name{
		CommonName:   cfg.Name,
		Organization: []string{cfg.Name},
		// distinct serial in the subject, otherwise verification
		// accepts authorities sharing key and subject (happens in
		// tests)
		SerialNumber: serialNumber.String(),
	}
	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Issuer:                entity,
		Subject:               entity,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, key.Public(), key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	keyPEM, err := MarshalPrivateKeyPEM(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &GeneratedAuthority{
		CertPEM:   MarshalCertificatePEM(der),
		KeyPEM:    keyPEM,
		NotBefore: notBefore,
		NotAfter:  notAfter,
	}, nil
}

// SignRequest describes a client certificate to mint. The public key
// is supplied by the agent; private keys never cross the boundary.
type SignRequest struct {
	// PublicKeyPEM is the agent supplied PKIX public key.
	PublicKeyPEM []byte
	// CommonName is the stable client name.
	CommonName string
	// IPCIDR is the primary overlay address with the pool prefix
	// length, e.g. "10.100.0.1/16".
	IPCIDR string
	// Groups is the group name set; sorted before embedding.
	Groups []string
	// TTL is the certificate validity, clamped to the authority
	// NotAfter.
	TTL time.Duration
	// Clock overrides wall clock time in tests.
	Clock clockwork.Clock
}

func (req *SignRequest) setDefaults() error {
	if len(req.PublicKeyPEM) == 0 {
		return trace.BadParameter("missing client public key")
	}
	if req.CommonName == "" {
		return trace.BadParameter("missing certificate common name")
	}
	if _, err := netip.ParsePrefix(req.IPCIDR); err != nil {
		return trace.BadParameter("invalid certificate ip %q: %v", req.IPCIDR, err)
	}
	if req.TTL <= 0 {
		return trace.BadParameter("certificate TTL must be positive")
	}
	if req.Clock == nil {
		req.Clock = clockwork.NewRealClock()
	}
	return nil
}

// SignedCert is a minted client certificate with the metadata the
// store records next to it.
type SignedCert struct {
	// CertPEM is the PEM encoded certificate.
	CertPEM []byte
	// Fingerprint is the hex SHA-256 over the DER bytes.
	Fingerprint string
	// Serial is the decimal serial number.
	Serial string
	// NotBefore and NotAfter bound the certificate validity.
	NotBefore time.Time
	NotAfter  time.Time
}

// SignClientCert mints a leaf certificate for a client against the
// provided signing authority.
func SignClientCert(signerCertPEM, signerKeyPEM []byte, req SignRequest) (*SignedCert, error) {
	if err := req.setDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	caCert, err := ParseCertificatePEM(signerCertPEM)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	caKey, err := ParsePrivateKeyPEM(signerKeyPEM)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pub, err := ParsePublicKeyPEM(req.PublicKeyPEM)
	if err != nil {
		return nil, trace.BadParameter("invalid client public key: %v", err)
	}
	prefix, err := netip.ParsePrefix(req.IPCIDR)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	serialNumber, err := newSerialNumber()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	notBefore := req.Clock.Now().UTC()
	notAfter := notBefore.Add(req.TTL)
	// a leaf must not outlive its issuer
	if notAfter.After(caCert.NotAfter) {
		notAfter = caCert.NotAfter
	}
	if !notAfter.After(notBefore) {
		return nil, trace.BadParameter("authority %q has no remaining validity to sign with", caCert.Subject.CommonName)
	}

	groups := slices.Clone(req.Groups)
	slices.Sort(groups)
	groups = slices.Compact(groups)

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   req.CommonName,
			Organization: groups,
		},
		NotBefore:   notBefore,
		NotAfter:    notAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		IPAddresses: []net.IP{net.IP(prefix.Addr().AsSlice())},
		ExtraExtensions: []pkix.Extension{{
			Id:    OIDIPCIDR,
			Value: []byte(req.IPCIDR),
		}},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, caCert, pub, caKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &SignedCert{
		CertPEM:     MarshalCertificatePEM(der),
		Fingerprint: FingerprintDER(der),
		Serial:      serialNumber.String(),
		NotBefore:   notBefore,
		NotAfter:    notAfter,
	}, nil
}

// Fingerprint returns the hex SHA-256 fingerprint of a certificate.
func Fingerprint(cert *x509.Certificate) string {
	return FingerprintDER(cert.Raw)
}

// FingerprintDER returns the hex SHA-256 over raw DER bytes.
func FingerprintDER(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// VerifyChain verifies that the PEM encoded leaf chains to one of the
// provided PEM encoded authorities at the given instant.
func VerifyChain(certPEM []byte, chainPEMs [][]byte, at time.Time) error {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return trace.Wrap(err)
	}
	pool := x509.NewCertPool()
	for _, chainPEM := range chainPEMs {
		root, err := ParseCertificatePEM(chainPEM)
		if err != nil {
			return trace.Wrap(err)
		}
		pool.AddCert(root)
	}
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:       pool,
		CurrentTime: at,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// IPCIDRFromCert extracts the bound "ip/prefix" string from a client
// certificate.
func IPCIDRFromCert(cert *x509.Certificate) (string, error) {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(OIDIPCIDR) {
			return string(ext.Value), nil
		}
	}
	return "", trace.NotFound("certificate carries no overlay address extension")
}

// GroupsFromCert returns the group names embedded in a client
// certificate.
func GroupsFromCert(cert *x509.Certificate) []string {
	return slices.Clone(cert.Subject.Organization)
}

// CheckAuthorityKeyPair validates an imported authority: the
// certificate must be a CA and, when key material is supplied, the
// key must match the certificate public key. Returns the parsed
// certificate.
func CheckAuthorityKeyPair(certPEM, keyPEM []byte) (*x509.Certificate, error) {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !cert.IsCA {
		return nil, trace.BadParameter("certificate %q is not a certificate authority", cert.Subject.CommonName)
	}
	if len(keyPEM) == 0 {
		return cert, nil
	}
	key, err := ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	certPub, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	keyPub, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !bytes.Equal(certPub, keyPub) {
		return nil, trace.BadParameter("private key does not match authority certificate %q", cert.Subject.CommonName)
	}
	return cert, nil
}

func newSerialNumber() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return serialNumber, nil
}
