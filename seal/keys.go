package seal

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// DataKeySize is the size of the symmetric key protecting the payload.
const DataKeySize = 32

// DataKey is the symmetric key shared among key servers.
type DataKey [DataKeySize]byte

// BackupKey is the data key handed back to the encrypting party. Anyone
// holding it can decrypt the envelope offline, without any policy check.
type BackupKey = DataKey

func newDataKey() (DataKey, error) {
	var key DataKey
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("failed to generate data key: %w", err)
	}
	return key, nil
}

// Hex encodes the key for the offline recovery tool.
func (k DataKey) Hex() string {
	return hex.EncodeToString(k[:])
}

// ParseBackupKey parses a hex-encoded backup key, with or without 0x prefix.
func ParseBackupKey(s string) (BackupKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return BackupKey{}, fmt.Errorf("invalid backup key hex: %w", err)
	}
	if len(raw) != DataKeySize {
		return BackupKey{}, fmt.Errorf("invalid backup key length %d, expected %d", len(raw), DataKeySize)
	}
	return BackupKey(raw), nil
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
