package types

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SessionID is the interaction session identifier sent with every command on
// one gateway connection: 'a' followed by 31 lowercase hex characters.
type SessionID string

type JobID string
type PostID string
type RequestID string
type ArtifactRef string
type Nonce string

const sessionIDLength = 32

func NewSessionID() SessionID {
	var b [sessionIDLength / 2]byte
	rand.Read(b[:])
	return SessionID("a" + hex.EncodeToString(b[:])[:sessionIDLength-1])
}

// Valid reports whether id has the session id shape.
func (id SessionID) Valid() bool {
	s := string(id)
	if len(s) != sessionIDLength || s[0] != 'a' {
		return false
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func NewJobID() JobID {
	return JobID(uuid.New().String())
}

func NewPostID() PostID {
	return PostID(uuid.New().String())
}

func NewRequestID() RequestID {
	return RequestID(uuid.New().String())
}

// platformEpoch is the millisecond epoch snowflakes are counted from.
const platformEpoch = 1420070400000

var nonceSeq atomic.Uint32

// NewNonce returns a snowflake-shaped nonce. The platform echoes it back on
// the interaction acknowledgment, which lets a sent command be matched to its
// interaction id.
func NewNonce() Nonce {
	ms := time.Now().UnixMilli() - platformEpoch
	n := uint64(ms)<<22 | uint64(nonceSeq.Add(1)&0xfff)
	return Nonce(strconv.FormatUint(n, 10))
}

func NewArtifactRef() ArtifactRef {
	return ArtifactRef(uuid.New().String())
}
