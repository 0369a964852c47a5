package p4k

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/klauspost/compress/zstd"
)

// rawEntrySpec describes one entry to bake into a synthetic archive image.
type rawEntrySpec struct {
	name      string
	method    uint16
	plaintext []byte
	encrypt   bool
	// forceZip64Extra makes the builder report 0xFFFFFFFF in the 32-bit
	// central-directory size fields and carry the real sizes only in a
	// ZIP64 extra field, exercising applyZip64Extra.
	forceZip64Extra bool
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	if padLen == 0 {
		padLen = blockSize
	}
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

func encryptAESCBCZeroIV(t testing.TB, plaintext []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(DefaultAESKey[:])
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func zstdCompress(t testing.TB, plaintext []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd.NewWriter: %v", err)
	}
	return enc.EncodeAll(plaintext, nil)
}

// buildArchive lays out a synthetic, minimal ZIP64 image: local headers
// and payloads back to back, a standard-layout central directory, a
// ZIP64 EOCD record, a ZIP64 EOCD locator, and then trailerComment —
// matching the byte offsets archive.go's parser expects.
func buildArchive(t testing.TB, specs []rawEntrySpec, trailerComment []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	type placed struct {
		spec        rawEntrySpec
		localOffset uint32
		payload     []byte
		crc         uint32
	}
	placedEntries := make([]placed, 0, len(specs))

	for _, s := range specs {
		var compressed []byte
		switch s.method {
		case MethodStore:
			compressed = s.plaintext
		case MethodZstd:
			compressed = zstdCompress(t, s.plaintext)
		default:
			t.Fatalf("unsupported test method %d", s.method)
		}
		crc := crc32.ChecksumIEEE(s.plaintext)

		payload := compressed
		if s.encrypt {
			payload = encryptAESCBCZeroIV(t, compressed)
		}

		localOffset := uint32(buf.Len())

		var extra []byte
		if s.encrypt {
			extra = append(extra, encodeExtraField(extraEncryption, []byte{1})...)
		}

		writeLocalHeader(&buf, s.name, s.method, crc, uint32(len(payload)), uint32(len(s.plaintext)), extra)
		buf.Write(payload)

		placedEntries = append(placedEntries, placed{spec: s, localOffset: localOffset, payload: payload, crc: crc})
	}

	cdStart := uint32(buf.Len())
	for _, p := range placedEntries {
		var extra []byte
		compSize := uint32(len(p.payload))
		uncompSize := uint32(len(p.spec.plaintext))
		if p.spec.encrypt {
			extra = append(extra, encodeExtraField(extraEncryption, []byte{1})...)
		}
		if p.spec.forceZip64Extra {
			z64 := make([]byte, 16)
			binary.LittleEndian.PutUint64(z64[0:], uint64(len(p.spec.plaintext)))
			binary.LittleEndian.PutUint64(z64[8:], uint64(len(p.payload)))
			extra = append(extra, encodeExtraField(extraZip64, z64)...)
			compSize = 0xFFFFFFFF
			uncompSize = 0xFFFFFFFF
		}
		writeCentralDirHeader(&buf, p.spec.name, p.spec.method, p.crc, compSize, uncompSize, p.localOffset, extra)
	}
	cdSize := uint32(buf.Len()) - cdStart

	eocd64Offset := uint32(buf.Len())
	writeEOCD64(&buf, uint64(len(specs)), uint64(cdSize), uint64(cdStart))
	writeEOCD64Locator(&buf, uint64(eocd64Offset))

	if len(trailerComment) > 0 {
		buf.Write(trailerComment)
	}

	return buf.Bytes()
}

func encodeExtraField(id uint16, body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint16(out[0:], id)
	binary.LittleEndian.PutUint16(out[2:], uint16(len(body)))
	copy(out[4:], body)
	return out
}

func writeLocalHeader(buf *bytes.Buffer, name string, method uint16, crc, compSize, uncompSize uint32, extra []byte) {
	h := make([]byte, localFileHeaderFixedSize)
	binary.LittleEndian.PutUint32(h[0:], sigLocalFileHeader)
	binary.LittleEndian.PutUint16(h[8:], method)
	binary.LittleEndian.PutUint32(h[14:], crc)
	binary.LittleEndian.PutUint32(h[18:], compSize)
	binary.LittleEndian.PutUint32(h[22:], uncompSize)
	binary.LittleEndian.PutUint16(h[26:], uint16(len(name)))
	binary.LittleEndian.PutUint16(h[28:], uint16(len(extra)))
	buf.Write(h)
	buf.WriteString(name)
	buf.Write(extra)
}

func writeCentralDirHeader(buf *bytes.Buffer, name string, method uint16, crc, compSize, uncompSize, localOffset uint32, extra []byte) {
	h := make([]byte, centralDirHeaderSize)
	binary.LittleEndian.PutUint32(h[0:], sigCentralDirHeader)
	binary.LittleEndian.PutUint16(h[10:], method)
	binary.LittleEndian.PutUint32(h[16:], crc)
	binary.LittleEndian.PutUint32(h[20:], compSize)
	binary.LittleEndian.PutUint32(h[24:], uncompSize)
	binary.LittleEndian.PutUint16(h[28:], uint16(len(name)))
	binary.LittleEndian.PutUint16(h[30:], uint16(len(extra)))
	binary.LittleEndian.PutUint32(h[42:], localOffset)
	buf.Write(h)
	buf.WriteString(name)
	buf.Write(extra)
}

func writeEOCD64(buf *bytes.Buffer, totalEntries, sizeOfCD, offsetOfCD uint64) {
	h := make([]byte, 56)
	binary.LittleEndian.PutUint32(h[0:], sigEOCD64)
	binary.LittleEndian.PutUint64(h[4:], 44) // size of remaining record
	binary.LittleEndian.PutUint64(h[24:], totalEntries)
	binary.LittleEndian.PutUint64(h[32:], totalEntries)
	binary.LittleEndian.PutUint64(h[40:], sizeOfCD)
	binary.LittleEndian.PutUint64(h[48:], offsetOfCD)
	buf.Write(h)
}

func writeEOCD64Locator(buf *bytes.Buffer, eocd64Offset uint64) {
	h := make([]byte, eocd64LocatorSize)
	binary.LittleEndian.PutUint32(h[0:], sigEOCD64Locator)
	binary.LittleEndian.PutUint64(h[8:], eocd64Offset)
	binary.LittleEndian.PutUint32(h[16:], 1)
	buf.Write(h)
}

func TestOpenAndReadStoredEntry(t *testing.T) {
	data := buildArchive(t, []rawEntrySpec{
		{name: "hello.txt", method: MethodStore, plaintext: []byte("hello world")},
	}, nil)

	a, err := OpenBytes(data, nil)
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}
	defer a.Close()

	e, ok := a.Find("hello.txt")
	if !ok {
		t.Fatal("Find: hello.txt not found")
	}
	got, err := a.Read(e)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("Read = %q, want %q", got, "hello world")
	}
}

func TestOpenAndReadEncryptedEntry(t *testing.T) {
	data := buildArchive(t, []rawEntrySpec{
		{name: "secret.bin", method: MethodStore, plaintext: []byte("classified payload"), encrypt: true},
	}, nil)

	a, err := OpenBytes(data, &Options{VerifyCRC: true})
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}
	defer a.Close()

	e, ok := a.Find("secret.bin")
	if !ok {
		t.Fatal("Find: secret.bin not found")
	}
	if !e.IsEncrypted {
		t.Fatal("expected IsEncrypted = true")
	}
	got, err := a.Read(e)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "classified payload" {
		t.Fatalf("Read = %q, want %q", got, "classified payload")
	}
}

func TestOpenAndReadZstdEncryptedEntry(t *testing.T) {
	plaintext := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 50)
	data := buildArchive(t, []rawEntrySpec{
		{name: "data.zst", method: MethodZstd, plaintext: plaintext, encrypt: true},
	}, nil)

	a, err := OpenBytes(data, &Options{VerifyCRC: true})
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}
	defer a.Close()

	e, ok := a.Find("data.zst")
	if !ok {
		t.Fatal("Find: data.zst not found")
	}
	got, err := a.Read(e)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("Read returned %d bytes, want %d matching bytes", len(got), len(plaintext))
	}
}

func TestZeroLengthEntry(t *testing.T) {
	data := buildArchive(t, []rawEntrySpec{
		{name: "empty.bin", method: MethodStore, plaintext: []byte{}},
	}, nil)

	a, err := OpenBytes(data, nil)
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}
	defer a.Close()

	e, ok := a.Find("empty.bin")
	if !ok {
		t.Fatal("Find: empty.bin not found")
	}
	got, err := a.Read(e)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Read = %d bytes, want 0", len(got))
	}
}

func TestZip64ExtraFieldOverridesSizes(t *testing.T) {
	plaintext := []byte("a payload whose declared 32-bit sizes are sentineled")
	data := buildArchive(t, []rawEntrySpec{
		{name: "big.bin", method: MethodStore, plaintext: plaintext, forceZip64Extra: true},
	}, nil)

	a, err := OpenBytes(data, nil)
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}
	defer a.Close()

	e, ok := a.Find("big.bin")
	if !ok {
		t.Fatal("Find: big.bin not found")
	}
	if e.UncompressedSize != uint64(len(plaintext)) {
		t.Fatalf("UncompressedSize = %d, want %d (zip64 extra field not applied)", e.UncompressedSize, len(plaintext))
	}
	got, err := a.Read(e)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("Read did not return original plaintext")
	}
}

func TestEOCD64LocatorFoundPastTrailingComment(t *testing.T) {
	data := buildArchive(t, []rawEntrySpec{
		{name: "hello.txt", method: MethodStore, plaintext: []byte("hi")},
	}, bytes.Repeat([]byte{'#'}, 4096))

	a, err := OpenBytes(data, nil)
	if err != nil {
		t.Fatalf("OpenBytes with trailing comment: %v", err)
	}
	defer a.Close()

	if _, ok := a.Find("hello.txt"); !ok {
		t.Fatal("Find: hello.txt not found")
	}
}

func TestFindMiss(t *testing.T) {
	data := buildArchive(t, []rawEntrySpec{
		{name: "hello.txt", method: MethodStore, plaintext: []byte("hi")},
	}, nil)

	a, err := OpenBytes(data, nil)
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}
	defer a.Close()

	if _, ok := a.Find("nope.txt"); ok {
		t.Fatal("Find: expected miss for nonexistent entry")
	}
}

func TestBackslashNameCanonicalized(t *testing.T) {
	data := buildArchive(t, []rawEntrySpec{
		{name: `Data\Textures\foo.dds`, method: MethodStore, plaintext: []byte("tex")},
	}, nil)

	a, err := OpenBytes(data, nil)
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}
	defer a.Close()

	if _, ok := a.Find("Data/Textures/foo.dds"); !ok {
		t.Fatal("Find: backslash-separated name was not canonicalized to forward slashes")
	}
}

func TestExtractParallel(t *testing.T) {
	data := buildArchive(t, []rawEntrySpec{
		{name: "a.txt", method: MethodStore, plaintext: []byte("alpha")},
		{name: "b.txt", method: MethodStore, plaintext: []byte("bravo")},
		{name: "c.txt", method: MethodStore, plaintext: []byte("charlie")},
	}, nil)

	a, err := OpenBytes(data, nil)
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}
	defer a.Close()

	dir := t.TempDir()
	results := a.ExtractParallel(a.Iter(), dir, 2)
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("extracting %q: %v", r.Entry.Name, r.Err)
		}
	}
}

func FuzzOpenBytes(f *testing.F) {
	f.Add(buildArchive(f, []rawEntrySpec{
		{name: "hello.txt", method: MethodStore, plaintext: []byte("hello world")},
	}, nil))
	f.Add(buildArchive(f, []rawEntrySpec{
		{name: "secret.bin", method: MethodStore, plaintext: []byte("classified payload"), encrypt: true},
	}, nil))
	f.Add(buildArchive(f, []rawEntrySpec{
		{name: "big.bin", method: MethodStore, plaintext: []byte("a payload whose declared sizes are sentineled"), forceZip64Extra: true},
	}, nil))
	f.Add(buildArchive(f, []rawEntrySpec{
		{name: "a.txt", method: MethodStore, plaintext: []byte("alpha")},
		{name: "b.txt", method: MethodStore, plaintext: []byte("bravo")},
	}, bytes.Repeat([]byte{'#'}, 64)))

	f.Fuzz(func(t *testing.T, data []byte) {
		a, err := OpenBytes(data, nil)
		if err != nil {
			return
		}
		defer a.Close()

		for _, e := range a.Iter() {
			// Read must never panic on a fuzzer-mutated central directory,
			// even when it returns an error for a corrupted entry.
			_, _ = a.Read(e)
		}
	})
}
