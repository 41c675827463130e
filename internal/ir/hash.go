package ir

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/text/unicode/norm"
)

// DomainProgram is the domain prefix for program fingerprints.
// Version suffix enables future algorithm migration.
const DomainProgram = "tpg/program/v1"

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ProgramHash fingerprints a program by name and relocatable word image.
//
// The name is NFC normalized so visually identical names hash identically.
// words must be encoded at base address 0 so the hash does not depend on
// where the program was placed in RAM.
func ProgramHash(name string, words []uint32) string {
	normalized := norm.NFC.String(name)
	buf := make([]byte, 0, len(normalized)+1+4*len(words))
	buf = append(buf, normalized...)
	buf = append(buf, 0x00)
	for _, w := range words {
		buf = binary.LittleEndian.AppendUint32(buf, w)
	}
	return hashWithDomain(DomainProgram, buf)
}
