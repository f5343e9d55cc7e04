// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import "time"

// OpName is the "op" field: the name of an operation.
type OpName string

const (
	OpSign         OpName = "sign"
	OpVerify       OpName = "verify"
	OpEncrypt      OpName = "encrypt"
	OpDecrypt      OpName = "decrypt"
	OpExportPublic OpName = "export_public"
	OpDerive       OpName = "derive"
	OpGenerate     OpName = "generate"
	OpImportSeed   OpName = "import_seed"
	OpList         OpName = "list"
	OpInfo         OpName = "info"
	OpUnlock       OpName = "unlock"
	OpLock         OpName = "lock"
	OpRotate       OpName = "rotate"
	OpTLSCert      OpName = "tls_cert"
)

// Operation is a request body. The set is closed: only the types in
// this package implement it.
type Operation interface {
	Name() OpName
	isOperation()
}

// Result is a response body, one type per operation.
type Result interface {
	Name() OpName
	isResult()
}

type opSpec struct {
	// needsKey is true when the request's key field must name an entry.
	needsKey     bool
	newOperation func() Operation
	newResult    func() Result
}

var operations = map[OpName]opSpec{
	OpSign:         {false, func() Operation { return &Sign{} }, func() Result { return &Signature{} }},
	OpVerify:       {true, func() Operation { return &Verify{} }, func() Result { return &Verified{} }},
	OpEncrypt:      {true, func() Operation { return &Encrypt{} }, func() Result { return &Ciphertext{} }},
	OpDecrypt:      {true, func() Operation { return &Decrypt{} }, func() Result { return &Plaintext{} }},
	OpExportPublic: {true, func() Operation { return &ExportPublic{} }, func() Result { return &PublicKey{} }},
	OpDerive:       {true, func() Operation { return &Derive{} }, func() Result { return &Derived{} }},
	OpGenerate:     {false, func() Operation { return &Generate{} }, func() Result { return &Generated{} }},
	OpImportSeed:   {false, func() Operation { return &ImportSeed{} }, func() Result { return &Imported{} }},
	OpList:         {false, func() Operation { return &List{} }, func() Result { return &Listing{} }},
	OpInfo:         {false, func() Operation { return &Info{} }, func() Result { return &ServerInfo{} }},
	OpUnlock:       {false, func() Operation { return &Unlock{} }, func() Result { return &Unlocked{} }},
	OpLock:         {false, func() Operation { return &Lock{} }, func() Result { return &Locked{} }},
	OpRotate:       {false, func() Operation { return &Rotate{} }, func() Result { return &Rotated{} }},
	OpTLSCert:      {false, func() Operation { return &TLSCert{} }, func() Result { return &Certificate{} }},
}

// NeedsKey reports whether requests for op must carry a key ID. Unknown
// operations, and operations that can select their key another way
// (sign by public key, tls_cert by digest or SNI), report false.
func NeedsKey(op OpName) bool { return operations[op].needsKey }

// Entry is the public description of a key entry. Private material has
// no field here.
type Entry struct {
	ID        string    `cbor:"id"`
	Kind      string    `cbor:"kind"`
	Algorithm string    `cbor:"algorithm"`
	SeedID    string    `cbor:"seed_id,omitempty"`
	Path      []uint32  `cbor:"path,omitempty"`
	PublicKey []byte    `cbor:"public_key,omitempty"`
	CreatedAt time.Time `cbor:"created_at"`

	// Set for tls entries only.
	SNI        string `cbor:"sni,omitempty"`
	CertDigest []byte `cbor:"cert_digest,omitempty"`
}

// Sign signs Message with a signing key. The key is the request's key
// ID or, when that is empty, the signing entry whose public key is
// PublicKey.
type Sign struct {
	Message   []byte `cbor:"message"`
	PublicKey []byte `cbor:"public_key,omitempty"`
}

type Signature struct {
	Signature []byte `cbor:"signature"`
}

// Verify checks Signature over Message against a signing key's public
// key. A bad signature is an authentication_failed error, not a result.
type Verify struct {
	Message   []byte `cbor:"message"`
	Signature []byte `cbor:"signature"`
}

type Verified struct {
	Valid bool `cbor:"valid"`
}

// Encrypt seals Plaintext with an encryption key. Without Recipient the
// result is an anonymous sealed box to the key itself; with Recipient
// (a 32-byte X25519 public key) it is an authenticated box from the key
// to the recipient.
type Encrypt struct {
	Plaintext []byte `cbor:"plaintext"`
	Recipient []byte `cbor:"recipient,omitempty"`
}

type Ciphertext struct {
	Ciphertext []byte `cbor:"ciphertext"`
}

// Decrypt opens Ciphertext with an encryption key. Sender selects an
// authenticated box from that public key; without it Ciphertext is a
// sealed box.
type Decrypt struct {
	Ciphertext []byte `cbor:"ciphertext"`
	Sender     []byte `cbor:"sender,omitempty"`
}

type Plaintext struct {
	Plaintext []byte `cbor:"plaintext"`
}

// ExportPublic returns the public key of a signing or encryption key.
type ExportPublic struct{}

type PublicKey struct {
	Algorithm string `cbor:"algorithm"`
	PublicKey []byte `cbor:"public_key"`
}

// Derive derives the entry at Path below the derivation key named by
// the request's key ID. An empty Algorithm selects Kind's default.
type Derive struct {
	Path      []uint32 `cbor:"path"`
	Kind      string   `cbor:"kind"`
	Algorithm string   `cbor:"algorithm,omitempty"`
}

// Derived reports the derived entry. Created is false when the entry
// already existed.
type Derived struct {
	Entry   Entry `cbor:"entry"`
	Created bool  `cbor:"created"`
}

// Generate creates a key from fresh entropy. Kind "tls" also issues a
// self-signed certificate for the new key.
type Generate struct {
	Kind      string `cbor:"kind"`
	Algorithm string `cbor:"algorithm,omitempty"`
}

type Generated struct {
	Entry Entry `cbor:"entry"`
}

// ImportSeed creates a derivation key from a BIP-39 mnemonic.
type ImportSeed struct {
	Mnemonic string `cbor:"mnemonic"`
}

type Imported struct {
	Entry   Entry `cbor:"entry"`
	Created bool  `cbor:"created"`
}

// List enumerates entries, optionally only those of one kind.
type List struct {
	Kind string `cbor:"kind,omitempty"`
}

type Listing struct {
	Entries []Entry `cbor:"entries"`
}

// Info describes the service.
type Info struct{}

type ServerInfo struct {
	Server          string `cbor:"name"`
	Version         string `cbor:"version"`
	ProtocolVersion uint   `cbor:"protocol_version"`
	Locked          bool   `cbor:"locked"`
	Entries         int    `cbor:"entries"`
}

// Unlock unlocks the store, creating it if it does not exist.
type Unlock struct {
	Passphrase []byte `cbor:"passphrase"`
}

type Unlocked struct{}

// Lock discards the unlocked state.
type Lock struct{}

type Locked struct{}

// Rotate re-encrypts the store under Next. Current must be the
// passphrase the store is sealed with.
type Rotate struct {
	Current []byte `cbor:"current"`
	Next    []byte `cbor:"next"`
}

type Rotated struct{}

// TLSCert fetches the certificate of a tls entry selected by exactly
// one of the request's key ID, Digest, or SNI.
type TLSCert struct {
	Digest []byte `cbor:"digest,omitempty"`
	SNI    string `cbor:"sni,omitempty"`
}

// Certificate carries a DER-encoded X.509 certificate. The private key
// never leaves the keystore.
type Certificate struct {
	Entry       Entry  `cbor:"entry"`
	Certificate []byte `cbor:"certificate"`
}

func (*Sign) Name() OpName         { return OpSign }
func (*Verify) Name() OpName       { return OpVerify }
func (*Encrypt) Name() OpName      { return OpEncrypt }
func (*Decrypt) Name() OpName      { return OpDecrypt }
func (*ExportPublic) Name() OpName { return OpExportPublic }
func (*Derive) Name() OpName       { return OpDerive }
func (*Generate) Name() OpName     { return OpGenerate }
func (*ImportSeed) Name() OpName   { return OpImportSeed }
func (*List) Name() OpName         { return OpList }
func (*Info) Name() OpName         { return OpInfo }
func (*Unlock) Name() OpName       { return OpUnlock }
func (*Lock) Name() OpName         { return OpLock }
func (*Rotate) Name() OpName       { return OpRotate }
func (*TLSCert) Name() OpName      { return OpTLSCert }

func (*Sign) isOperation()         {}
func (*Verify) isOperation()       {}
func (*Encrypt) isOperation()      {}
func (*Decrypt) isOperation()      {}
func (*ExportPublic) isOperation() {}
func (*Derive) isOperation()       {}
func (*Generate) isOperation()     {}
func (*ImportSeed) isOperation()   {}
func (*List) isOperation()         {}
func (*Info) isOperation()         {}
func (*Unlock) isOperation()       {}
func (*Lock) isOperation()         {}
func (*Rotate) isOperation()       {}
func (*TLSCert) isOperation()      {}

func (*Signature) Name() OpName   { return OpSign }
func (*Verified) Name() OpName    { return OpVerify }
func (*Ciphertext) Name() OpName  { return OpEncrypt }
func (*Plaintext) Name() OpName   { return OpDecrypt }
func (*PublicKey) Name() OpName   { return OpExportPublic }
func (*Derived) Name() OpName     { return OpDerive }
func (*Generated) Name() OpName   { return OpGenerate }
func (*Imported) Name() OpName    { return OpImportSeed }
func (*Listing) Name() OpName     { return OpList }
func (*ServerInfo) Name() OpName  { return OpInfo }
func (*Unlocked) Name() OpName    { return OpUnlock }
func (*Locked) Name() OpName      { return OpLock }
func (*Rotated) Name() OpName     { return OpRotate }
func (*Certificate) Name() OpName { return OpTLSCert }

func (*Signature) isResult()   {}
func (*Verified) isResult()    {}
func (*Ciphertext) isResult()  {}
func (*Plaintext) isResult()   {}
func (*PublicKey) isResult()   {}
func (*Derived) isResult()     {}
func (*Generated) isResult()   {}
func (*Imported) isResult()    {}
func (*Listing) isResult()     {}
func (*ServerInfo) isResult()  {}
func (*Unlocked) isResult()    {}
func (*Locked) isResult()      {}
func (*Rotated) isResult()     {}
func (*Certificate) isResult() {}
