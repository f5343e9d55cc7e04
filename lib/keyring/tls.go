// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/Br1ght0ne/lair/lib/errkind"
	"github.com/Br1ght0ne/lair/lib/secret"
)

// sniSuffix is the parent domain of every generated certificate name.
const sniSuffix = ".keystore.lair"

// maxScalarAttempts bounds the search for an in-range ECDSA scalar.
// A P-256 candidate is out of range with probability about 2^-32.
const maxScalarAttempts = 8

var hkdfInfoECDSA = []byte("lair.tls.ecdsa.v1:")

// certificateNotAfter is the RFC 5280 "no well-defined expiration"
// date. Peers pin these certificates by digest, not by validity.
var certificateNotAfter = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// tlsSigner builds the certificate key for seed. ECDSA scalars are
// expanded from the seed with HKDF, retrying with a counter until one
// falls inside the curve order.
func tlsSigner(seed []byte, algorithm Algorithm) (crypto.Signer, error) {
	var (
		curve elliptic.Curve
		size  int
	)
	switch algorithm {
	case AlgorithmEd25519:
		return ed25519.NewKeyFromSeed(seed), nil
	case AlgorithmECDSAP256:
		curve, size = elliptic.P256(), 32
	case AlgorithmECDSAP384:
		curve, size = elliptic.P384(), 48
	default:
		return nil, errkind.New(errkind.KindInvalidArgument, "algorithm %q cannot hold a TLS certificate", algorithm)
	}

	scalar := make([]byte, size)
	defer secret.Zero(scalar)
	info := make([]byte, len(hkdfInfoECDSA)+len(algorithm)+1)
	copy(info, hkdfInfoECDSA)
	copy(info[len(hkdfInfoECDSA):], string(algorithm))
	for attempt := range maxScalarAttempts {
		info[len(info)-1] = byte(attempt)
		if err := hkdfStep(scalar, seed, info); err != nil {
			return nil, err
		}
		private, err := ecdsa.ParseRawPrivateKey(curve, scalar)
		if err == nil {
			return private, nil
		}
	}
	return nil, fmt.Errorf("no valid %s scalar after %d attempts", algorithm, maxScalarAttempts)
}

// rawPublicKey encodes a certificate public key the way entries carry
// it: 32 raw bytes for Ed25519, the uncompressed point for ECDSA.
func rawPublicKey(public crypto.PublicKey) ([]byte, error) {
	switch key := public.(type) {
	case ed25519.PublicKey:
		return append([]byte(nil), key...), nil
	case *ecdsa.PublicKey:
		exchange, err := key.ECDH()
		if err != nil {
			return nil, fmt.Errorf("encoding ECDSA public key: %w", err)
		}
		return exchange.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported certificate key type %T", public)
	}
}

func releaseSigner(signer crypto.Signer) {
	if private, ok := signer.(ed25519.PrivateKey); ok {
		secret.Zero(private)
	}
}

// newCertificate issues a self-signed certificate for the key held in
// seed under a fresh random SNI.
func newCertificate(seed []byte, algorithm Algorithm, now time.Time) ([]byte, error) {
	signer, err := tlsSigner(seed, algorithm)
	if err != nil {
		return nil, err
	}
	defer releaseSigner(signer)

	var label [16]byte
	if _, err := rand.Read(label[:]); err != nil {
		return nil, fmt.Errorf("generating certificate name: %w", err)
	}
	sni := fmt.Sprintf("k%x%s", label, sniSuffix)
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, fmt.Errorf("generating certificate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: sni},
		DNSNames:              []string{sni},
		NotBefore:             now.UTC().Truncate(time.Second),
		NotAfter:              certificateNotAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
	if err != nil {
		return nil, fmt.Errorf("creating self-signed certificate: %w", err)
	}
	return der, nil
}

// CertificateDigest is the 32-byte BLAKE2b digest peers pin a
// certificate by.
func CertificateDigest(der []byte) []byte {
	sum := blake2b.Sum256(der)
	return sum[:]
}

// inspectCertificate checks that der is a self-signed certificate for
// public and returns its SNI.
func inspectCertificate(der, public []byte) (string, error) {
	certificate, err := x509.ParseCertificate(der)
	if err != nil {
		return "", fmt.Errorf("parsing certificate: %w", err)
	}
	// CheckSignatureFrom would demand a CA parent; these are leaf
	// certificates signed by their own key.
	if err := certificate.CheckSignature(certificate.SignatureAlgorithm, certificate.RawTBSCertificate, certificate.Signature); err != nil {
		return "", fmt.Errorf("certificate is not self-signed: %w", err)
	}
	certified, err := rawPublicKey(certificate.PublicKey)
	if err != nil {
		return "", err
	}
	if !bytes.Equal(certified, public) {
		return "", fmt.Errorf("certificate is for a different key")
	}
	if len(certificate.DNSNames) != 1 {
		return "", fmt.Errorf("certificate has %d DNS names, want 1", len(certificate.DNSNames))
	}
	return certificate.DNSNames[0], nil
}

// attachCertificate fills the tls fields of entry from der.
func attachCertificate(entry *Entry, der []byte) error {
	sni, err := inspectCertificate(der, entry.PublicKey)
	if err != nil {
		return err
	}
	entry.Certificate = der
	entry.SNI = sni
	entry.CertDigest = CertificateDigest(der)
	return nil
}

// find returns an entry satisfying match, or not_found.
func (r *Registry) find(description string, match func(Entry) bool) (Handle, error) {
	if !r.closed {
		for _, candidate := range r.entries {
			if match(candidate.entry) {
				return Handle{registry: r, slot: candidate}, nil
			}
		}
	}
	return Handle{}, errkind.New(errkind.KindNotFound, "no key entry with %s", description)
}

// SigningKey returns the signing entry whose public key is public.
func (r *Registry) SigningKey(public []byte) (Handle, error) {
	return r.find("that signing public key", func(entry Entry) bool {
		return entry.Kind == KindSigning && bytes.Equal(entry.PublicKey, public)
	})
}

// CertificateByDigest returns the tls entry whose certificate has the
// given CertificateDigest.
func (r *Registry) CertificateByDigest(digest []byte) (Handle, error) {
	return r.find("that certificate digest", func(entry Entry) bool {
		return entry.Kind == KindTLS && bytes.Equal(entry.CertDigest, digest)
	})
}

// CertificateBySNI returns the tls entry whose certificate names sni.
func (r *Registry) CertificateBySNI(sni string) (Handle, error) {
	return r.find(fmt.Sprintf("SNI %q", sni), func(entry Entry) bool {
		return entry.Kind == KindTLS && entry.SNI == sni
	})
}

// Certificate returns the DER certificate of a tls entry.
func (h Handle) Certificate() ([]byte, error) {
	if err := h.require(KindTLS, "tls_cert"); err != nil {
		return nil, err
	}
	return append([]byte(nil), h.slot.entry.Certificate...), nil
}
