// Package blockstore implements DataBlock and DataBlockHeader: the
// file-backed blob storage unit shared by data blocks and metadata
// snapshots (spec §3, §4.1, §4.2).
package blockstore

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/dreamware/fabnetdht/internal/dhterrors"
	"github.com/dreamware/fabnetdht/internal/dhtkey"
)

// HeaderLabel identifies a fabnetdht data block header. Bytewise layout
// compatibility (spec §3) requires this exact 5-byte label at offset 0.
const HeaderLabel = "FDB01"

// HeaderSize is the fixed, little-endian on-disk layout:
//
//	label[5] | stored_unixtime:f64 | master_key[20] | replica_count:u8 | checksum[20] | owner_hash[20]
const HeaderSize = 5 + 8 + dhtkey.Size + 1 + dhtkey.Size + dhtkey.Size

const (
	offLabel        = 0
	offStoredTime   = offLabel + 5
	offMasterKey    = offStoredTime + 8
	offReplicaCount = offMasterKey + dhtkey.Size
	offChecksum     = offReplicaCount + 1
	offOwnerHash    = offChecksum + dhtkey.Size
)

// Header is the fixed 69-byte prefix stored before every data block's
// payload (spec §3).
type Header struct {
	StoredUnixtime float64
	MasterKey      dhtkey.Key
	ReplicaCount   uint8
	Checksum       dhtkey.Key // SHA-1 of the payload
	OwnerHash      dhtkey.Key // SHA-1 of the owner user-id
}

// Pack stamps StoredUnixtime with the current UTC time and serializes
// the header to its 69-byte wire form.
func Pack(masterKey dhtkey.Key, replicaCount uint8, checksum, ownerHash dhtkey.Key) []byte {
	h := Header{
		StoredUnixtime: float64(time.Now().UTC().UnixNano()) / 1e9,
		MasterKey:      masterKey,
		ReplicaCount:   replicaCount,
		Checksum:       checksum,
		OwnerHash:      ownerHash,
	}
	return h.pack()
}

// pack serializes h as-is (without touching StoredUnixtime), used by
// PackAt for repair's carefully_save path which must preserve the
// original stored_unixtime it is republishing.
func (h Header) pack() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[offLabel:], HeaderLabel)
	binary.LittleEndian.PutUint64(buf[offStoredTime:], math.Float64bits(h.StoredUnixtime))
	copy(buf[offMasterKey:], h.MasterKey[:])
	buf[offReplicaCount] = h.ReplicaCount
	copy(buf[offChecksum:], h.Checksum[:])
	copy(buf[offOwnerHash:], h.OwnerHash[:])
	return buf
}

// PackAt serializes h preserving its own StoredUnixtime, rather than
// stamping "now" — used when repair republishes a block it already
// owns with its original stored time (spec §4.9 "PutDataBlock
// (carefully_save=true, owner_hash, stored_unixtime)").
func PackAt(h Header) []byte {
	return h.pack()
}

// Unpack parses a 69-byte header. It returns ErrInvalidDataBlock if buf
// is short or the label doesn't match.
func Unpack(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("blockstore: header too short (%d bytes): %w", len(buf), dhterrors.ErrInvalidDataBlock)
	}
	if string(buf[offLabel:offLabel+5]) != HeaderLabel {
		return Header{}, fmt.Errorf("blockstore: bad header label %q: %w", buf[offLabel:offLabel+5], dhterrors.ErrInvalidDataBlock)
	}
	var h Header
	bits := binary.LittleEndian.Uint64(buf[offStoredTime:])
	h.StoredUnixtime = math.Float64frombits(bits)
	copy(h.MasterKey[:], buf[offMasterKey:offMasterKey+dhtkey.Size])
	h.ReplicaCount = buf[offReplicaCount]
	copy(h.Checksum[:], buf[offChecksum:offChecksum+dhtkey.Size])
	copy(h.OwnerHash[:], buf[offOwnerHash:offOwnerHash+dhtkey.Size])
	return h, nil
}

// MatchOptions is the subset of expected fields Match checks; zero
// values (nil pointers) are skipped.
type MatchOptions struct {
	OwnerHash *dhtkey.Key
	NotOlder  *float64 // incoming request's stored_unixtime
}

// Match validates an existing header against expected fields, returning:
//   - ErrPermissionDenied if OwnerHash is supplied and doesn't match.
//   - ErrOldData if NotOlder is supplied and is not newer than the
//     existing header's StoredUnixtime (i.e. the store already holds a
//     write that raced ahead of this one).
func (h Header) Match(opt MatchOptions) error {
	if opt.OwnerHash != nil && h.OwnerHash != *opt.OwnerHash {
		return fmt.Errorf("blockstore: owner mismatch: %w", dhterrors.ErrPermissionDenied)
	}
	if opt.NotOlder != nil && h.StoredUnixtime >= *opt.NotOlder {
		return fmt.Errorf("blockstore: stored block is newer (%.6f >= %.6f): %w", h.StoredUnixtime, *opt.NotOlder, dhterrors.ErrOldData)
	}
	return nil
}

// CheckRawData streams r through SHA-1 and returns the resulting Key,
// verifying it against expected if expected is non-nil.
func CheckRawData(r io.Reader, expected *dhtkey.Key) (dhtkey.Key, error) {
	h := sha1.New()
	if _, err := io.Copy(h, r); err != nil {
		return dhtkey.Key{}, fmt.Errorf("blockstore: checksum read: %w", dhterrors.ErrIO)
	}
	var sum dhtkey.Key
	copy(sum[:], h.Sum(nil))
	if expected != nil && sum != *expected {
		return sum, fmt.Errorf("blockstore: checksum mismatch: %w", dhterrors.ErrInvalidDataBlock)
	}
	return sum, nil
}
