// Package fragfile implements the two file formats consumed/produced at
// the edges of the system (spec §6): the fragment file (chunk hash ->
// chunk bytes, loaded at startup and written on completion) and the
// chunkhash file (the list of hashes one DOWNLOAD command targets). Both
// formats are private to this repo — spec.md leaves their encoding to an
// external collaborator, so this package plays that role.
package fragfile

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"

	"peerd/internal/wire"
)

// magic identifies a fragment file: "SSFR" (chunk-storage fragment).
var magic = [4]byte{'S', 'S', 'F', 'R'}

const formatVersion = 1

// WriteFragment serializes chunks to path: magic, version byte, 4-byte
// count, then per chunk (20-byte hash, 4-byte length, payload).
func WriteFragment(fs afero.Fs, path string, chunks map[wire.Hash][]byte) error {
	f, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("fragfile: create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := w.Write(magic[:]); err != nil {
		return err
	}
	if err := w.WriteByte(formatVersion); err != nil {
		return err
	}
	countBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(countBuf, uint32(len(chunks)))
	if _, err := w.Write(countBuf); err != nil {
		return err
	}
	lenBuf := make([]byte, 4)
	for h, data := range chunks {
		if _, err := w.Write(h[:]); err != nil {
			return err
		}
		binary.BigEndian.PutUint32(lenBuf, uint32(len(data)))
		if _, err := w.Write(lenBuf); err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("fragfile: write %s: %w", path, err)
	}
	return nil
}

// ReadFragment parses a fragment file written by WriteFragment.
func ReadFragment(fs afero.Fs, path string) (map[wire.Hash][]byte, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fragfile: open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var gotMagic [4]byte
	if _, err := io.ReadFull(r, gotMagic[:]); err != nil {
		return nil, fmt.Errorf("fragfile: %s: read magic: %w", path, err)
	}
	if gotMagic != magic {
		return nil, fmt.Errorf("fragfile: %s: not a fragment file", path)
	}
	version, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("fragfile: %s: read version: %w", path, err)
	}
	if version != formatVersion {
		return nil, fmt.Errorf("fragfile: %s: unsupported version %d", path, version)
	}
	countBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, countBuf); err != nil {
		return nil, fmt.Errorf("fragfile: %s: read count: %w", path, err)
	}
	count := binary.BigEndian.Uint32(countBuf)

	chunks := make(map[wire.Hash][]byte, count)
	lenBuf := make([]byte, 4)
	for i := uint32(0); i < count; i++ {
		var h wire.Hash
		if _, err := io.ReadFull(r, h[:]); err != nil {
			return nil, fmt.Errorf("fragfile: %s: read hash %d: %w", path, i, err)
		}
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return nil, fmt.Errorf("fragfile: %s: read length %d: %w", path, i, err)
		}
		n := binary.BigEndian.Uint32(lenBuf)
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("fragfile: %s: read payload %d: %w", path, i, err)
		}
		chunks[h] = data
	}
	return chunks, nil
}

// LoadChunkhashes parses the chunkhash file: "<index> <hex-sha1>" per
// non-comment line, returning the hashes in file order.
func LoadChunkhashes(fs afero.Fs, path string) ([]wire.Hash, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fragfile: open %s: %w", path, err)
	}
	defer f.Close()

	var hashes []wire.Hash
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("fragfile: %s:%d: expected '<index> <hex-sha1>', got %q", path, lineNo, line)
		}
		raw, err := hex.DecodeString(fields[1])
		if err != nil || len(raw) != wire.HashLen {
			return nil, fmt.Errorf("fragfile: %s:%d: bad hash %q", path, lineNo, fields[1])
		}
		var h wire.Hash
		copy(h[:], raw)
		hashes = append(hashes, h)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("fragfile: read %s: %w", path, err)
	}
	return hashes, nil
}
