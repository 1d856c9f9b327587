package gateway

import (
	"time"

	"github.com/user/gridclaw/internal/types"
)

// Session is the identity established by the last identify or resume.
type Session struct {
	// ID is sent with every interaction on this connection. It changes only on
	// a fresh identify.
	ID types.SessionID
	// ResumeToken is the server-side session used for RESUME.
	ResumeToken       string
	ResumeURL         string
	UserID            string
	Seq               int64
	HeartbeatInterval time.Duration
	Connected         bool
	IdentifiedAt      time.Time
}
