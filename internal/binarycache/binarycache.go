// Package binarycache implements the binary graph wire format
// (spec.md §6 / SPEC_FULL.md §6.3): a preorder record stream with a
// prototype table and a CRC32 trailer, wrapped on disk in zstd compression
// with a blake3 sidecar digest. load_binary/save_binary round-trip the
// uncompressed payload byte-for-byte; compression and the digest are a
// transparent envelope around it.
package binarycache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"

	"github.com/forgebuild/forge/internal/forgeerr"
	"github.com/forgebuild/forge/internal/graph"
	"github.com/forgebuild/forge/internal/prototype"
	"github.com/forgebuild/forge/internal/target"
)

var magicHeader = [8]byte{'F', 'O', 'R', 'G', 'E', 0, 0, 1}

const formatVersion uint32 = 1

// Flag bits within each record's u64 bitset, assigned in the order the
// three persisted Target flags are listed in spec.md §4.2.
const (
	flagRequiredToExist uint64 = 1 << iota
	flagAlwaysBind
	flagCleanable
)

// Encode serializes the subtree rooted at root into spec.md §6's wire
// format: header, prototype table, preorder target records, CRC32 trailer.
// Only explicit dependency edges are persisted — implicit edges are
// recomputed by the buildfile on its next evaluation, never round-tripped.
func Encode(root *target.Target) ([]byte, error) {
	nodes := root.AllDescendants()
	indexOf := make(map[*target.Target]int, len(nodes))
	for i, n := range nodes {
		indexOf[n] = i
	}

	var protoOrder []*prototype.Prototype
	protoIndex := make(map[*prototype.Prototype]int)
	for _, n := range nodes {
		if p := n.Prototype(); p != nil {
			if _, ok := protoIndex[p]; !ok {
				protoIndex[p] = len(protoOrder)
				protoOrder = append(protoOrder, p)
			}
		}
	}

	buf := new(bytes.Buffer)
	buf.Write(magicHeader[:])
	writeU32(buf, formatVersion)

	writeU32(buf, uint32(len(protoOrder)))
	for _, p := range protoOrder {
		writeString(buf, p.ID())
	}

	for i, n := range nodes {
		// The subtree root's id is never consulted on decode (it has no
		// parent to attach under; the caller's own anchor supplies its
		// identity), so it's always written as empty to keep re-encoding
		// the decoded tree byte-identical regardless of what the root
		// happened to be called before serialization.
		id := n.ID()
		if i == 0 {
			id = ""
		}
		writeString(buf, id)

		protoIdx := int32(-1)
		if p := n.Prototype(); p != nil {
			protoIdx = int32(protoIndex[p])
		}
		writeI32(buf, protoIdx)

		writeU64(buf, flagsOf(n))

		filenames := n.Filenames()
		writeU32(buf, uint32(len(filenames)))
		for _, f := range filenames {
			writeString(buf, f)
		}

		writeU64(buf, uint64(n.Timestamp().UnixNano()))

		deps := n.ExplicitDependencies()
		writeU32(buf, uint32(len(deps)))
		for _, d := range deps {
			idx, ok := indexOf[d]
			if !ok {
				return nil, fmt.Errorf("binarycache: dependency %q of %q is outside the serialized subtree", d.Path(), n.Path())
			}
			writeU32(buf, uint32(idx))
		}

		writeU32(buf, uint32(len(n.Children())))
	}

	payload := buf.Bytes()
	trailer := crc32.ChecksumIEEE(payload)
	out := make([]byte, len(payload)+4)
	copy(out, payload)
	binary.LittleEndian.PutUint32(out[len(payload):], trailer)
	return out, nil
}

func flagsOf(t *target.Target) uint64 {
	var f uint64
	if t.RequiredToExist() {
		f |= flagRequiredToExist
	}
	if t.AlwaysBind() {
		f |= flagAlwaysBind
	}
	if t.Cleanable() {
		f |= flagCleanable
	}
	return f
}

func applyFlags(t *target.Target, f uint64) {
	t.SetRequiredToExist(f&flagRequiredToExist != 0)
	t.SetAlwaysBind(f&flagAlwaysBind != 0)
	t.SetCleanable(f&flagCleanable != 0)
}

type rawNode struct {
	id         string
	protoIdx   int32
	flags      uint64
	filenames  []string
	lastWriteNS int64
	depIdx     []uint32
	childCount uint32
}

// Decode parses data (the output of Encode, including its CRC32 trailer)
// and builds the resulting tree under g's cache subtree (Graph.LoadCacheRoot),
// resolving each record's prototype index against g's prototype registry —
// prototypes themselves are never serialized as definitions, only as the
// id strings the script is expected to have already re-registered (spec.md
// §4.3's save_binary/load_binary note).
func Decode(data []byte, g *graph.Graph) (*target.Target, error) {
	if len(data) < 4 {
		return nil, forgeerr.IoError("binary graph", fmt.Errorf("payload too short"))
	}
	payload := data[:len(data)-4]
	trailer := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(payload) != trailer {
		return nil, forgeerr.IoError("binary graph", fmt.Errorf("CRC32 trailer mismatch"))
	}

	r := bytes.NewReader(payload)
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, forgeerr.IoError("binary graph", err)
	}
	if magic != magicHeader {
		return nil, forgeerr.IoError("binary graph", fmt.Errorf("bad magic header"))
	}

	version, err := readU32(r)
	if err != nil {
		return nil, forgeerr.IoError("binary graph", err)
	}
	if version != formatVersion {
		return nil, forgeerr.IoError("binary graph", fmt.Errorf("unsupported format version %d", version))
	}

	protoCount, err := readU32(r)
	if err != nil {
		return nil, forgeerr.IoError("binary graph", err)
	}
	protoIDs := make([]string, protoCount)
	for i := range protoIDs {
		s, err := readString(r)
		if err != nil {
			return nil, forgeerr.IoError("binary graph", err)
		}
		protoIDs[i] = s
	}

	var raws []rawNode
	for r.Len() > 0 {
		raw, err := readRecord(r)
		if err != nil {
			return nil, forgeerr.IoError("binary graph", err)
		}
		raws = append(raws, raw)
	}
	if len(raws) == 0 {
		return nil, forgeerr.IoError("binary graph", fmt.Errorf("no target records"))
	}

	anchor := g.LoadCacheRoot()
	built := make([]*target.Target, len(raws))
	pos := 0
	var place func(parent *target.Target) error
	place = func(parent *target.Target) error {
		if pos >= len(raws) {
			return fmt.Errorf("binarycache: child count overruns record stream")
		}
		i := pos
		raw := raws[i]
		pos++

		var t *target.Target
		if parent == nil {
			t = anchor
		} else {
			t = parent.AddChild(raw.id)
		}
		built[i] = t

		if raw.protoIdx >= 0 {
			if int(raw.protoIdx) >= len(protoIDs) {
				return fmt.Errorf("binarycache: prototype index %d out of range", raw.protoIdx)
			}
			t.SetPrototype(g.TargetPrototype(protoIDs[raw.protoIdx]))
		}
		applyFlags(t, raw.flags)
		t.SetBoundToFile(true)
		for idx, f := range raw.filenames {
			t.SetFilename(f, idx)
		}
		t.SetTimestamp(timeFromNS(raw.lastWriteNS))

		for c := uint32(0); c < raw.childCount; c++ {
			if err := place(t); err != nil {
				return err
			}
		}
		return nil
	}
	if err := place(nil); err != nil {
		return nil, forgeerr.IoError("binary graph", err)
	}
	if pos != len(raws) {
		return nil, forgeerr.IoError("binary graph", fmt.Errorf("record stream has unreferenced trailing records"))
	}

	for i, raw := range raws {
		for _, depIdx := range raw.depIdx {
			if int(depIdx) >= len(built) {
				return nil, forgeerr.IoError("binary graph", fmt.Errorf("dependency index %d out of range", depIdx))
			}
			built[i].AddDependency(built[depIdx])
		}
	}

	return anchor, nil
}

func readRecord(r *bytes.Reader) (rawNode, error) {
	var raw rawNode
	var err error
	if raw.id, err = readString(r); err != nil {
		return raw, err
	}
	if raw.protoIdx, err = readI32(r); err != nil {
		return raw, err
	}
	if raw.flags, err = readU64(r); err != nil {
		return raw, err
	}
	filenameCount, err := readU32(r)
	if err != nil {
		return raw, err
	}
	raw.filenames = make([]string, filenameCount)
	for i := range raw.filenames {
		if raw.filenames[i], err = readString(r); err != nil {
			return raw, err
		}
	}
	lastWrite, err := readU64(r)
	if err != nil {
		return raw, err
	}
	raw.lastWriteNS = int64(lastWrite)

	depCount, err := readU32(r)
	if err != nil {
		return raw, err
	}
	raw.depIdx = make([]uint32, depCount)
	for i := range raw.depIdx {
		if raw.depIdx[i], err = readU32(r); err != nil {
			return raw, err
		}
	}
	if raw.childCount, err = readU32(r); err != nil {
		return raw, err
	}
	return raw, nil
}

// SaveFile writes root's serialized subtree to path, zstd-compressed, with
// a blake3 digest of the uncompressed payload stored alongside as
// "<path>.sum" (SPEC_FULL.md §6.3).
func SaveFile(path string, root *target.Target) error {
	payload, err := Encode(root)
	if err != nil {
		return err
	}
	digest := blake3.Sum256(payload)

	var compressed bytes.Buffer
	zw, err := zstd.NewWriter(&compressed)
	if err != nil {
		return err
	}
	if _, err := zw.Write(payload); err != nil {
		_ = zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	if err := os.WriteFile(path, compressed.Bytes(), 0644); err != nil {
		return forgeerr.IoError(path, err)
	}
	if err := os.WriteFile(path+".sum", digest[:], 0644); err != nil {
		return forgeerr.IoError(path+".sum", err)
	}
	return nil
}

// LoadFile reads and decompresses path, verifies it against its ".sum"
// sidecar, and decodes the result into g's cache subtree. A digest mismatch
// is reported as an IoError, never silently repaired.
func LoadFile(path string, g *graph.Graph) (*target.Target, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, forgeerr.IoError(path, err)
	}
	sidecar, err := os.ReadFile(path + ".sum")
	if err != nil {
		return nil, forgeerr.IoError(path+".sum", err)
	}

	zr, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, forgeerr.IoError(path, err)
	}
	defer zr.Close()
	payload, err := io.ReadAll(zr)
	if err != nil {
		return nil, forgeerr.IoError(path, err)
	}

	digest := blake3.Sum256(payload)
	if !bytes.Equal(digest[:], sidecar) {
		return nil, forgeerr.IoError(path, fmt.Errorf("blake3 digest mismatch against %s.sum", path))
	}

	return Decode(payload, g)
}
