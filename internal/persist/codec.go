package persist

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/DoyleJ11/crossword-sync-backend/internal/room"
)

var ErrChecksumMismatch = errors.New("persist: snapshot checksum mismatch")

// EncodeSnapshot serializes a room export and computes its checksum. The
// checksum is over the exact bytes stored, so any corruption in between is
// caught before a recovery replay.
func EncodeSnapshot(exp room.Export) (payload []byte, checksum string, err error) {
	payload, err = json.Marshal(exp)
	if err != nil {
		return nil, "", fmt.Errorf("encode snapshot: %w", err)
	}
	sum := sha256.Sum256(payload)
	return payload, hex.EncodeToString(sum[:]), nil
}

// DecodeSnapshot verifies the checksum and deserializes. A mismatch returns
// ErrChecksumMismatch without attempting to parse the payload.
func DecodeSnapshot(payload []byte, checksum string) (room.Export, error) {
	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != checksum {
		return room.Export{}, ErrChecksumMismatch
	}
	var exp room.Export
	if err := json.Unmarshal(payload, &exp); err != nil {
		return room.Export{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return exp, nil
}
