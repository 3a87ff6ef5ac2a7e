package domain

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// FingerprintInfo carries the identity fields a device registers with.
type FingerprintInfo struct {
	UDID       string
	DeviceName string
	Soc        string
	RAMGB      float64
	OS         string
}

// WorkerFingerprint derives the stable worker id for a device so the same
// machine re-registers under the same id across restarts. A UDID wins;
// otherwise the hardware tuple hashes deterministically; a device exposing
// no identity at all falls back to a random id.
func WorkerFingerprint(info FingerprintInfo) string {
	if info.UDID != "" {
		return "worker-" + shortHash("udid|"+info.UDID)
	}
	if info.DeviceName != "" || info.Soc != "" || info.RAMGB != 0 || info.OS != "" {
		ram := strconv.FormatFloat(info.RAMGB, 'g', -1, 64)
		return "worker-" + shortHash(fmt.Sprintf("dev|%s|%s|%s|%s", info.DeviceName, info.Soc, ram, info.OS))
	}
	return "worker-" + uuid.NewString()
}

func shortHash(s string) string {
	sum := blake2b.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}
