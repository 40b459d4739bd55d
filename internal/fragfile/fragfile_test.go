package fragfile

import (
	"testing"

	"github.com/spf13/afero"

	"peerd/internal/wire"
)

func TestWriteReadFragmentRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	a := wire.HashChunk([]byte("alpha"))
	b := wire.HashChunk([]byte("bravo"))
	chunks := map[wire.Hash][]byte{
		a: []byte("alpha"),
		b: []byte("bravo"),
	}

	if err := WriteFragment(fs, "out.frag", chunks); err != nil {
		t.Fatalf("WriteFragment: %v", err)
	}
	got, err := ReadFragment(fs, "out.frag")
	if err != nil {
		t.Fatalf("ReadFragment: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d chunks, want 2", len(got))
	}
	if string(got[a]) != "alpha" || string(got[b]) != "bravo" {
		t.Fatalf("round trip mismatch: %v", got)
	}
}

func TestReadFragmentRejectsBadMagic(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "bad.frag", []byte("not a fragment file at all"), 0o644)
	if _, err := ReadFragment(fs, "bad.frag"); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestLoadChunkhashes(t *testing.T) {
	fs := afero.NewMemMapFs()
	h := wire.HashChunk([]byte("chunk0"))
	content := "# chunkhash file\n0 " + h.String() + "\n\n"
	afero.WriteFile(fs, "hashes.txt", []byte(content), 0o644)

	hashes, err := LoadChunkhashes(fs, "hashes.txt")
	if err != nil {
		t.Fatalf("LoadChunkhashes: %v", err)
	}
	if len(hashes) != 1 || hashes[0] != h {
		t.Fatalf("hashes = %v, want [%v]", hashes, h)
	}
}

func TestLoadChunkhashesRejectsMalformedHash(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "bad.txt", []byte("0 nothexatall\n"), 0o644)
	if _, err := LoadChunkhashes(fs, "bad.txt"); err == nil {
		t.Fatal("expected error for malformed hash")
	}
}
