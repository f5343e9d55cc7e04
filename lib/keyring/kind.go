// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Br1ght0ne/lair/lib/errkind"
)

// Kind is the role of a key entry.
type Kind string

const (
	KindSigning    Kind = "signing"
	KindEncryption Kind = "encryption"
	KindDerivation Kind = "derivation"
	KindTLS        Kind = "tls"
)

// Algorithm names the primitive a key entry is used with.
type Algorithm string

const (
	AlgorithmEd25519    Algorithm = "ed25519"
	AlgorithmDilithium3 Algorithm = "dilithium3"
	AlgorithmX25519     Algorithm = "x25519"
	AlgorithmHKDFSHA256 Algorithm = "hkdf-sha256"
	AlgorithmECDSAP256  Algorithm = "ecdsa-p256-sha256"
	AlgorithmECDSAP384  Algorithm = "ecdsa-p384-sha384"
)

var algorithmsByKind = map[Kind][]Algorithm{
	KindSigning:    {AlgorithmEd25519, AlgorithmDilithium3},
	KindEncryption: {AlgorithmX25519},
	KindDerivation: {AlgorithmHKDFSHA256},
	KindTLS:        {AlgorithmEd25519, AlgorithmECDSAP256, AlgorithmECDSAP384},
}

// ParseKind validates a kind name.
func ParseKind(name string) (Kind, error) {
	kind := Kind(name)
	if _, ok := algorithmsByKind[kind]; !ok {
		return "", errkind.New(errkind.KindInvalidArgument, "unknown key kind %q", name)
	}
	return kind, nil
}

// ResolveAlgorithm validates algorithm for kind. An empty algorithm
// selects the kind's default (the first listed).
func ResolveAlgorithm(kind Kind, algorithm Algorithm) (Algorithm, error) {
	allowed, ok := algorithmsByKind[kind]
	if !ok {
		return "", errkind.New(errkind.KindInvalidArgument, "unknown key kind %q", kind)
	}
	if algorithm == "" {
		return allowed[0], nil
	}
	for _, candidate := range allowed {
		if candidate == algorithm {
			return algorithm, nil
		}
	}
	return "", errkind.New(errkind.KindInvalidArgument, "algorithm %q is not valid for %s keys", algorithm, kind)
}

// MaxPathDepth bounds derivation paths.
const MaxPathDepth = 32

// Path is a derivation path: one uint32 index per level. Its text form
// is "m/0/1/7".
type Path []uint32

// ParsePath parses the text form of a path.
func ParsePath(text string) (Path, error) {
	components := strings.Split(text, "/")
	if components[0] != "m" {
		return nil, errkind.New(errkind.KindInvalidArgument, "derivation path %q must start with m/", text)
	}
	path := make(Path, 0, len(components)-1)
	for _, component := range components[1:] {
		index, err := strconv.ParseUint(component, 10, 32)
		if err != nil {
			return nil, errkind.Wrap(errkind.KindInvalidArgument, err, "derivation path %q", text)
		}
		path = append(path, uint32(index))
	}
	if err := path.Validate(); err != nil {
		return nil, err
	}
	return path, nil
}

// Validate checks the path depth.
func (p Path) Validate() error {
	if len(p) == 0 {
		return errkind.New(errkind.KindInvalidArgument, "derivation path is empty")
	}
	if len(p) > MaxPathDepth {
		return errkind.New(errkind.KindInvalidArgument, "derivation path has %d levels, maximum is %d", len(p), MaxPathDepth)
	}
	return nil
}

func (p Path) String() string {
	var builder strings.Builder
	builder.WriteString("m")
	for _, index := range p {
		fmt.Fprintf(&builder, "/%d", index)
	}
	return builder.String()
}

// MarshalText implements encoding.TextMarshaler.
func (p Path) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Path) UnmarshalText(text []byte) error {
	parsed, err := ParsePath(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
