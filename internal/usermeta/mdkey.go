// Package usermeta implements UserMetadata: a per-user path tree backed
// by an embedded ordered key-value store, one store per user directory
// (spec §4.5).
package usermeta

import (
	"encoding/binary"
	"hash/crc32"
)

// MDKey addresses one entry (file or directory) within a user's path
// tree. ParentID is the packed form of the parent directory's own key
// truncated to its identity (we use a 64-bit rolling id assigned at
// creation time, see Store.nextID), PathHash is a CRC32 of the child's
// own name (one path component), Level is its depth from the root, and Index
// disambiguates hash collisions among siblings sharing the same
// PathHash (spec §4.5 "Collision policy").
type MDKey struct {
	ParentID uint64
	PathHash uint32
	Level    uint16
	Index    uint16
}

// RootKey is the fixed key UserInfo lives at (spec §4.5 "UserInfo ...
// at a fixed root key"). All fields zero sorts first under little-
// endian packing, placing UserInfo before any path entry.
var RootKey = MDKey{}

// Pack serializes the key little-endian so that Pebble's natural
// byte-order iteration groups a directory's children together: all
// entries sharing a ParentID sort contiguously, and within that group
// entries are ordered by PathHash then Index (spec §4.5 "ordering
// groups siblings together").
func (k MDKey) Pack() []byte {
	buf := make([]byte, 8+4+2+2)
	binary.LittleEndian.PutUint64(buf[0:8], k.ParentID)
	binary.LittleEndian.PutUint32(buf[8:12], k.PathHash)
	binary.LittleEndian.PutUint16(buf[12:14], k.Level)
	binary.LittleEndian.PutUint16(buf[14:16], k.Index)
	return buf
}

// UnpackMDKey parses the 16-byte form Pack produces.
func UnpackMDKey(buf []byte) MDKey {
	return MDKey{
		ParentID: binary.LittleEndian.Uint64(buf[0:8]),
		PathHash: binary.LittleEndian.Uint32(buf[8:12]),
		Level:    binary.LittleEndian.Uint16(buf[12:14]),
		Index:    binary.LittleEndian.Uint16(buf[14:16]),
	}
}

// pathHash returns the CRC32 (IEEE) of name, used as PathHash within a
// single parent's children.
func pathHash(name string) uint32 {
	return crc32.ChecksumIEEE([]byte(name))
}

// maxCollisionIndex bounds the collision chain MDKey.Index may walk
// before make_path/update_path must fail (spec §4.5 "bounded by 2^16;
// exceeding raises").
const maxCollisionIndex = 1<<16 - 1
