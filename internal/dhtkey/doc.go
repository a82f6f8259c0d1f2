// Package dhtkey defines the 160-bit key space: parsing and formatting of
// the canonical 40-hex-lowercase text form, ring arithmetic (successor,
// distance, midpoint), and the deterministic replica-key derivation used
// by ClientPut and RepairProcess.
//
// Key space layout:
//
//	MIN_KEY = 0
//	MAX_KEY = 2^160 - 1
//
// Keys are unsigned and ordered big-endian; the ring wraps from MAX_KEY
// back to MIN_KEY for successor and distance arithmetic.
package dhtkey
