package p4k

import (
	"os"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/go-kratos/kratos/v2/log"

	"github.com/19h/svarog/binreader"
	"github.com/19h/svarog/ferr"
)

const (
	sigEOCD64Locator     = 0x07064b50
	sigEOCD64            = 0x06064b50
	sigCentralDirHeader  = 0x02014b50
	sigLocalFileHeader   = 0x04034b50
	eocd64LocatorSize    = 20
	maxCommentSize       = 65535
	centralDirHeaderSize = 46
)

// Extra field ids.
const (
	extraZip64       = 0x0001
	extraEncryption  = 0x5000
	extraRealCompSz  = 0x5002
	extraAltUncompSz = 0x5003
)

// Options configures Open and OpenBytes.
type Options struct {
	// AESKey decrypts entries flagged encrypted. Defaults to DefaultAESKey.
	AESKey *[16]byte

	// VerifyCRC makes Read() verify the decompressed CRC32 against the
	// entry's declared value, failing with ferr.IntegrityError on
	// mismatch. Advisory (false) by default, per spec.md §9.
	VerifyCRC bool

	// Logger receives parse warnings. Defaults to a Warn-level stdout
	// logger, mirroring saferwall/pe's File.logger default.
	Logger *log.Helper
}

// Archive is an open, read-only P4K archive. It is immutable after Open
// and safe for concurrent use by multiple goroutines (spec.md §5).
type Archive struct {
	data    mmap.MMap
	f       *os.File
	entries []Entry
	byName  map[string]int
	aesKey  [16]byte
	verify  bool
	logger  *log.Helper
}

func defaultLogger() *log.Helper {
	base := log.NewStdLogger(os.Stdout)
	return log.NewHelper(log.NewFilter(base, log.FilterLevel(log.LevelWarn)))
}

// Open memory-maps path read-only and parses its ZIP64 central directory.
func Open(path string, opts *Options) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ferr.Wrap(ferr.Io, "opening p4k file", err)
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, ferr.Wrap(ferr.Io, "memory-mapping p4k file", err)
	}
	a, err := openFromBytes(data, opts)
	if err != nil {
		data.Unmap()
		f.Close()
		return nil, err
	}
	a.f = f
	return a, nil
}

// OpenBytes parses an already-loaded P4K image (e.g. from an in-memory
// buffer rather than an mmap).
func OpenBytes(data []byte, opts *Options) (*Archive, error) {
	return openFromBytes(data, opts)
}

func openFromBytes(data []byte, opts *Options) (*Archive, error) {
	a := &Archive{data: data, aesKey: DefaultAESKey, byName: map[string]int{}}
	if opts != nil {
		if opts.AESKey != nil {
			a.aesKey = *opts.AESKey
		}
		a.verify = opts.VerifyCRC
		a.logger = opts.Logger
	}
	if a.logger == nil {
		a.logger = defaultLogger()
	}
	if !a.verify {
		a.logger.Warnf("CRC32 verification is disabled (advisory by default); set Options.VerifyCRC to catch corrupted entries on Read")
	}

	r := binreader.New(data)

	locatorOffset, err := findEOCD64Locator(r)
	if err != nil {
		return nil, err
	}
	eocd64Offset, err := r.Uint64(locatorOffset + 8)
	if err != nil {
		return nil, err
	}
	sig, err := r.Uint32(uint32(eocd64Offset))
	if err != nil || sig != sigEOCD64 {
		return nil, ferr.New(ferr.NotAnArchive, "zip64 end-of-central-directory record not found at locator target")
	}
	totalEntries, err := r.Uint64(uint32(eocd64Offset) + 32)
	if err != nil {
		return nil, err
	}
	sizeOfCD, err := r.Uint64(uint32(eocd64Offset) + 40)
	if err != nil {
		return nil, err
	}
	offsetOfCD, err := r.Uint64(uint32(eocd64Offset) + 48)
	if err != nil {
		return nil, err
	}
	_ = sizeOfCD

	entries, err := parseCentralDirectory(r, uint32(offsetOfCD), totalEntries, a.logger)
	if err != nil {
		return nil, err
	}
	a.entries = entries
	for i, e := range entries {
		a.byName[e.Name] = i
	}
	return a, nil
}

// findEOCD64Locator scans backward from EOF for the ZIP64 EOCD locator
// signature, which can sit anywhere after a comment of up to 65535 bytes
// (spec.md §8 boundary behavior).
func findEOCD64Locator(r *binreader.Reader) (uint32, error) {
	size := r.Len()
	windowStart := uint32(0)
	if size > eocd64LocatorSize+maxCommentSize+centralDirHeaderSize {
		windowStart = size - (eocd64LocatorSize + maxCommentSize + centralDirHeaderSize)
	}
	for i := int64(size) - eocd64LocatorSize; i >= int64(windowStart); i-- {
		sig, err := r.Uint32(uint32(i))
		if err != nil {
			continue
		}
		if sig == sigEOCD64Locator {
			return uint32(i), nil
		}
	}
	return 0, ferr.New(ferr.NotAnArchive, "zip64 end-of-central-directory locator signature not found")
}

func parseCentralDirectory(r *binreader.Reader, offset uint32, count uint64, logger *log.Helper) ([]Entry, error) {
	entries := make([]Entry, 0, count)
	pos := offset
	for i := uint64(0); i < count; i++ {
		sig, err := r.Uint32(pos)
		if err != nil {
			return nil, err
		}
		if sig != sigCentralDirHeader {
			return nil, ferr.Newf(ferr.BadMagic, "central directory header %d: expected signature %#x, got %#x", i, sigCentralDirHeader, sig)
		}

		compressionMethod, err := r.Uint16(pos + 10)
		if err != nil {
			return nil, err
		}
		crc32, err := r.Uint32(pos + 16)
		if err != nil {
			return nil, err
		}
		compressedSize32, err := r.Uint32(pos + 20)
		if err != nil {
			return nil, err
		}
		uncompressedSize32, err := r.Uint32(pos + 24)
		if err != nil {
			return nil, err
		}
		nameLen, err := r.Uint16(pos + 28)
		if err != nil {
			return nil, err
		}
		extraLen, err := r.Uint16(pos + 30)
		if err != nil {
			return nil, err
		}
		commentLen, err := r.Uint16(pos + 32)
		if err != nil {
			return nil, err
		}
		localHeaderOffset32, err := r.Uint32(pos + 42)
		if err != nil {
			return nil, err
		}

		nameBytes, err := r.Fixed(pos+centralDirHeaderSize, uint32(nameLen))
		if err != nil {
			return nil, err
		}
		extraBytes, err := r.Fixed(pos+centralDirHeaderSize+uint32(nameLen), uint32(extraLen))
		if err != nil {
			return nil, err
		}

		e := Entry{
			Name:              canonicalizeName(string(nameBytes)),
			CompressionMethod: compressionMethod,
			CRC32:             crc32,
			CompressedSize:    uint64(compressedSize32),
			UncompressedSize:  uint64(uncompressedSize32),
			LocalHeaderOffset: uint64(localHeaderOffset32),
		}

		applyExtraFields(&e, extraBytes, logger)

		if e.CompressionMethod != MethodStore && e.CompressionMethod != MethodDeflate && e.CompressionMethod != MethodZstd {
			logger.Warnf("entry %q: unrecognized compression method %d, Read will fail if this entry is ever read", e.Name, e.CompressionMethod)
		}

		entries = append(entries, e)
		pos = pos + centralDirHeaderSize + uint32(nameLen) + uint32(extraLen) + uint32(commentLen)
	}
	return entries, nil
}

// canonicalizeName normalizes P4K entry names to forward slashes (DESIGN.md
// Open Question decision 1).
func canonicalizeName(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '\\' {
			c = '/'
		}
		out[i] = c
	}
	return string(out)
}

func applyExtraFields(e *Entry, extra []byte, logger *log.Helper) {
	r := binreader.New(extra)
	pos := uint32(0)
	for pos+4 <= r.Len() {
		id, err := r.Uint16(pos)
		if err != nil {
			return
		}
		size, err := r.Uint16(pos + 2)
		if err != nil {
			return
		}
		body, err := r.Fixed(pos+4, uint32(size))
		if err != nil {
			return
		}
		switch uint32(id) {
		case extraZip64:
			applyZip64Extra(e, body, logger, e.Name)
		case extraEncryption:
			if len(body) >= 1 && body[0] != 0 {
				e.IsEncrypted = true
			}
		case extraRealCompSz:
			if len(body) >= 8 {
				br := binreader.New(body)
				if v, err := br.Uint64(0); err == nil {
					e.CompressedSize = v
				}
			}
		case extraAltUncompSz:
			if len(body) >= 8 {
				br := binreader.New(body)
				if v, err := br.Uint64(0); err == nil {
					e.UncompressedSize = v
				}
			}
		default:
			logger.Warnf("entry %q: ignoring unrecognized extra field id %#x (%d bytes)", e.Name, id, size)
		}
		pos = pos + 4 + uint32(size)
	}
}

// applyZip64Extra overrides the 32-bit sizes/offset with their 64-bit
// counterparts. The ZIP64 extra field only stores fields whose 32-bit
// counterpart in the central directory record was 0xFFFFFFFF, in that
// fixed order: uncompressed size, compressed size, local header offset,
// disk number.
func applyZip64Extra(e *Entry, body []byte, logger *log.Helper, name string) {
	br := binreader.New(body)
	pos := uint32(0)
	needsUncompressed := e.UncompressedSize == 0xFFFFFFFF
	needsCompressed := e.CompressedSize == 0xFFFFFFFF
	needsOffset := e.LocalHeaderOffset == 0xFFFFFFFF

	if needsUncompressed {
		if pos+8 <= br.Len() {
			if v, err := br.Uint64(pos); err == nil {
				e.UncompressedSize = v
			}
			pos += 8
		} else {
			logger.Warnf("entry %q: zip64 extra field too short for the sentinel uncompressed_size it promised", name)
		}
	}
	if needsCompressed {
		if pos+8 <= br.Len() {
			if v, err := br.Uint64(pos); err == nil {
				e.CompressedSize = v
			}
			pos += 8
		} else {
			logger.Warnf("entry %q: zip64 extra field too short for the sentinel compressed_size it promised", name)
		}
	}
	if needsOffset {
		if pos+8 <= br.Len() {
			if v, err := br.Uint64(pos); err == nil {
				e.LocalHeaderOffset = v
			}
			pos += 8
		} else {
			logger.Warnf("entry %q: zip64 extra field too short for the sentinel local_header_offset it promised", name)
		}
	}
}

// Close releases the memory map (and the underlying file, if Open, not
// OpenBytes, was used).
func (a *Archive) Close() error {
	if a.data != nil {
		_ = a.data.Unmap()
	}
	if a.f != nil {
		return a.f.Close()
	}
	return nil
}

// Iter returns the archive's entries in central-directory order.
func (a *Archive) Iter() []Entry { return a.entries }

// Find looks up an entry by canonicalized name in expected O(1).
func (a *Archive) Find(name string) (*Entry, bool) {
	idx, ok := a.byName[canonicalizeName(name)]
	if !ok {
		return nil, false
	}
	return &a.entries[idx], true
}
