// Package protocol implements the Icom WLAN (UDP) wire format: packet
// families with per-field endianness, and credential obfuscation.
//
// The wire format mixes byte orders inside a single packet: the 16-byte
// control header is little-endian, while token/login/conninfo payload
// fields and CI-V/audio identity fields are big-endian. Reference
// implementations of this protocol have historically shipped helper
// functions whose names claim one byte order but implement the other.
// To avoid repeating that mistake, every multi-byte field in this
// package is read and written through the named helpers below — never
// through encoding/binary directly.
package protocol

import "encoding/binary"

// u16LE reads a little-endian 16-bit field.
func u16LE(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }

// u32LE reads a little-endian 32-bit field.
func u32LE(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

// u16BE reads a big-endian 16-bit field.
func u16BE(b []byte) uint16 { return binary.BigEndian.Uint16(b) }

// u32BE reads a big-endian 32-bit field.
func u32BE(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

// putU16LE writes a little-endian 16-bit field.
func putU16LE(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }

// putU32LE writes a little-endian 32-bit field.
func putU32LE(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }

// putU16BE writes a big-endian 16-bit field.
func putU16BE(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }

// putU32BE writes a big-endian 32-bit field.
func putU32BE(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
