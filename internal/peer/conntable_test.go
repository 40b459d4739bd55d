package peer

import (
	"testing"

	"peerd/internal/wire"
)

func TestConnTableAdmissionBound(t *testing.T) {
	c := NewConnTable(1)
	h := wire.HashChunk([]byte("a"))

	if !c.CanAdmitUpload("peer:1") {
		t.Fatal("expected capacity for first upload")
	}
	c.AddUpload("peer:1", h)

	if c.CanAdmitUpload("peer:2") {
		t.Fatal("expected no capacity once max_send is reached")
	}
	if c.CanAdmitUpload("peer:1") {
		t.Fatal("a second GET from an already-active remote must be rejected")
	}

	c.RemoveUpload("peer:1")
	if !c.CanAdmitUpload("peer:2") {
		t.Fatal("expected capacity again after the slot frees")
	}
}

func TestConnTableOneDownloadPerRemote(t *testing.T) {
	c := NewConnTable(4)
	h := wire.HashChunk([]byte("a"))
	if !c.CanStartDownload("peer:1") {
		t.Fatal("expected to be able to start a download")
	}
	c.AddDownload("peer:1", h)
	if c.CanStartDownload("peer:1") {
		t.Fatal("only one chunk per direction per peer pair may be in flight")
	}
	c.RemoveDownload("peer:1")
	if !c.CanStartDownload("peer:1") {
		t.Fatal("expected capacity again after the download completes")
	}
}
