package seal

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/threshold-seal/envelope"
	"github.com/ruteri/threshold-seal/interfaces"
)

// shareSize is the data key plus the one-byte x coordinate appended by the
// shamir package.
const shareSize = DataKeySize + 1

// splitKey splits the data key into n shares, any t of which recover it. The
// shamir package needs t >= 2; for t = 1 every share is the key itself with a
// distinct tag byte so shares stay the same size and distinct.
func splitKey(key DataKey, n, t int) ([][]byte, error) {
	if t == 1 {
		shares := make([][]byte, n)
		for i := range shares {
			shares[i] = append(bytes.Clone(key[:]), byte(i+1))
		}
		return shares, nil
	}

	shares, err := shamir.Split(key[:], n, t)
	if err != nil {
		return nil, fmt.Errorf("failed to split data key: %w", err)
	}
	return shares, nil
}

func combineShares(values [][]byte, t int) (DataKey, error) {
	var key DataKey
	for _, v := range values {
		if len(v) != shareSize {
			return key, fmt.Errorf("%w: share is %d bytes", interfaces.ErrShareVerificationFailed, len(v))
		}
	}

	if t == 1 {
		copy(key[:], values[0][:DataKeySize])
		return key, nil
	}

	combined, err := shamir.Combine(values[:t])
	if err != nil {
		return key, fmt.Errorf("%w: %w", interfaces.ErrShareVerificationFailed, err)
	}
	defer wipeBytes(combined)
	if len(combined) != DataKeySize {
		return key, fmt.Errorf("%w: combined key is %d bytes", interfaces.ErrShareVerificationFailed, len(combined))
	}
	copy(key[:], combined)
	return key, nil
}

// shareContext binds a share to the envelope identity, threshold and its
// position, for both the share AEAD and the commitment.
func shareContext(label string, identity interfaces.Identity, threshold uint8, index int, serverID interfaces.KeyServerID) []byte {
	var buf bytes.Buffer
	buf.WriteString(label)
	buf.Write(identity)
	buf.WriteByte(threshold)
	buf.WriteByte(byte(index))
	buf.Write(serverID[:])
	return buf.Bytes()
}

func commitShare(identity interfaces.Identity, threshold uint8, index int, serverID interfaces.KeyServerID, value []byte) [envelope.CommitmentSize]byte {
	h := sha256.New()
	h.Write(shareContext("seal/commit/v1", identity, threshold, index, serverID))
	h.Write(value)
	var out [envelope.CommitmentSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// verifyShare checks a decrypted share against the commitment stored in the
// envelope at index.
func verifyShare(env *envelope.Envelope, index int, value []byte) error {
	share := env.Shares[index]
	expected := commitShare(env.Identity, env.Threshold, index, share.ServerID, value)
	if subtle.ConstantTimeCompare(expected[:], share.Commitment[:]) != 1 {
		return fmt.Errorf("%w: commitment mismatch for key server %s", interfaces.ErrShareVerificationFailed, share.ServerID.Short())
	}
	return nil
}
