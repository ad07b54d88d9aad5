package canon

import (
	"crypto/sha256"
	"fmt"
	"regexp"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for algorithm migration.
const (
	DomainVersion = "datastore/version/v1"
	DomainScript  = "datastore/script/v1"
)

// Digest computes SHA256(domain + 0x00 + data).
// The null separator keeps the domain/data boundary unambiguous.
func Digest(domain string, data []byte) []byte {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return h.Sum(nil)
}

// DigestValue canonicalizes v and digests it under domain.
func DigestValue(domain string, v any) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return Digest(domain, data), nil
}

// Bech32 encodes digest with the human-readable prefix hrp.
// A 32-byte digest yields hrp + "1" + 52 data characters + 6 checksum characters.
func Bech32(hrp string, digest []byte) (string, error) {
	words, err := bech32.ConvertBits(digest, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("convert bits: %w", err)
	}
	s, err := bech32.Encode(hrp, words)
	if err != nil {
		return "", fmt.Errorf("bech32 encode: %w", err)
	}
	return s, nil
}

// Human-readable prefixes and encoded lengths of the two content hashes.
// Version hashes are truncated; script hashes keep the full digest.
const (
	VersionHashPrefix = "dbx"
	VersionHashLength = 22
	ScriptHashPrefix  = "scr"
)

var (
	versionHashRe = regexp.MustCompile(`^dbx1[ac-hj-np-z02-9]{18}$`)
	scriptHashRe  = regexp.MustCompile(`^scr1[ac-hj-np-z02-9]{58}$`)
)

// VersionHash encodes a version digest as dbx1 followed by 18 characters.
func VersionHash(digest []byte) (string, error) {
	s, err := Bech32(VersionHashPrefix, digest)
	if err != nil {
		return "", err
	}
	return s[:VersionHashLength], nil
}

// ScriptHash identifies the bytes of a compiled script or definition file.
func ScriptHash(data []byte) (string, error) {
	return Bech32(ScriptHashPrefix, Digest(DomainScript, data))
}

// IsVersionHash reports whether s is a well-formed version hash.
func IsVersionHash(s string) bool { return versionHashRe.MatchString(s) }

// IsScriptHash reports whether s is a well-formed script hash.
func IsScriptHash(s string) bool { return scriptHashRe.MatchString(s) }
