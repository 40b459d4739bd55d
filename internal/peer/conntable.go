package peer

import "peerd/internal/wire"

// ConnTable tracks the two admission-relevant views of spec §4.7: active
// inbound uploads (bounded by maxSend) and active outbound downloads
// (unbounded, but at most one per remote, matching the "one chunk per
// direction per peer pair at a time" invariant of spec §3). It is
// mutated only from the event loop, so it needs no locking (spec §5).
type ConnTable struct {
	maxSend   int
	uploads   map[string]wire.Hash
	downloads map[string]wire.Hash
}

// NewConnTable returns an empty table admitting up to maxSend concurrent
// inbound uploads.
func NewConnTable(maxSend int) *ConnTable {
	return &ConnTable{
		maxSend:   maxSend,
		uploads:   make(map[string]wire.Hash),
		downloads: make(map[string]wire.Hash),
	}
}

// UploadCount is the admission metric of spec §4.7.
func (c *ConnTable) UploadCount() int { return len(c.uploads) }

// HasUploadCapacity reports whether a new upload could start right now,
// ignoring which remote is asking (used to answer WHOHAS, which doesn't
// yet commit a slot).
func (c *ConnTable) HasUploadCapacity() bool { return len(c.uploads) < c.maxSend }

// CanAdmitUpload reports whether remote may start a new upload: it must
// not already have one in flight (a second GET from an active remote for
// a different chunk is rejected) and the table must not be at capacity.
func (c *ConnTable) CanAdmitUpload(remote string) bool {
	if _, active := c.uploads[remote]; active {
		return false
	}
	return c.HasUploadCapacity()
}

// AddUpload records remote as actively receiving hash.
func (c *ConnTable) AddUpload(remote string, hash wire.Hash) { c.uploads[remote] = hash }

// RemoveUpload frees remote's admission slot.
func (c *ConnTable) RemoveUpload(remote string) { delete(c.uploads, remote) }

// ActiveUpload returns the hash remote is currently being sent, if any.
func (c *ConnTable) ActiveUpload(remote string) (wire.Hash, bool) {
	h, ok := c.uploads[remote]
	return h, ok
}

// CanStartDownload reports whether this peer may issue a GET to remote:
// it must not already be downloading something from it.
func (c *ConnTable) CanStartDownload(remote string) bool {
	_, active := c.downloads[remote]
	return !active
}

// AddDownload records remote as the source of an active outbound
// download.
func (c *ConnTable) AddDownload(remote string, hash wire.Hash) { c.downloads[remote] = hash }

// RemoveDownload clears remote's outbound download slot.
func (c *ConnTable) RemoveDownload(remote string) { delete(c.downloads, remote) }
