package peer

// DownloadStatus is the lifecycle of one DownloadState (spec §3).
type DownloadStatus int

const (
	StatusHandshaking DownloadStatus = iota
	StatusTransferring
	StatusComplete
	StatusFailed
)

func (s DownloadStatus) String() string {
	switch s {
	case StatusHandshaking:
		return "handshaking"
	case StatusTransferring:
		return "transferring"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// maxConsecutiveTimeouts is N in spec §5's "a peer detected as unresponsive
// (N consecutive retransmission timeouts, N=5) causes its upload/download
// to be abandoned".
const maxConsecutiveTimeouts = 5

// maxHandshakeRetries bounds a DOWNLOAD's handshake rounds before it is
// declared failed (spec §9 open question, resolved to 5).
const maxHandshakeRetries = 5
