package p4k

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/compress/flate"

	"github.com/19h/svarog/binreader"
	"github.com/19h/svarog/ferr"
)

const localFileHeaderFixedSize = 30

var sharedZstdDecoder *zstd.Decoder

func init() {
	d, err := zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
	sharedZstdDecoder = d
}

// Read decompresses and, if necessary, decrypts entry's content. The
// local file header is re-read to locate the actual payload offset,
// since the central directory's LocalHeaderOffset only points at the
// local header itself (spec.md §4.3).
func (a *Archive) Read(entry *Entry) ([]byte, error) {
	r := binreader.New(a.data)

	sig, err := r.Uint32(uint32(entry.LocalHeaderOffset))
	if err != nil {
		return nil, err
	}
	if sig != sigLocalFileHeader {
		return nil, ferr.Newf(ferr.BadMagic, "local file header at offset %d: expected signature %#x, got %#x", entry.LocalHeaderOffset, sigLocalFileHeader, sig)
	}
	localMethod, err := r.Uint16(uint32(entry.LocalHeaderOffset) + 8)
	if err != nil {
		return nil, err
	}
	if localMethod != entry.CompressionMethod {
		a.logger.Warnf("entry %q: local file header compression method %d disagrees with central directory's %d; trusting the central directory", entry.Name, localMethod, entry.CompressionMethod)
	}
	nameLen, err := r.Uint16(uint32(entry.LocalHeaderOffset) + 26)
	if err != nil {
		return nil, err
	}
	extraLen, err := r.Uint16(uint32(entry.LocalHeaderOffset) + 28)
	if err != nil {
		return nil, err
	}

	payloadOffset := uint32(entry.LocalHeaderOffset) + localFileHeaderFixedSize + uint32(nameLen) + uint32(extraLen)

	raw, err := r.Fixed(payloadOffset, uint32(entry.CompressedSize))
	if err != nil {
		return nil, err
	}

	if entry.IsEncrypted {
		raw, err = decryptAESCBC(raw, a.aesKey)
		if err != nil {
			return nil, err
		}
	}

	data, err := decompress(raw, entry.CompressionMethod, entry.UncompressedSize)
	if err != nil {
		return nil, err
	}

	if uint64(len(data)) != entry.UncompressedSize {
		return nil, ferr.Newf(ferr.IntegrityError, "entry %q: decompressed to %d bytes, expected %d", entry.Name, len(data), entry.UncompressedSize)
	}

	if a.verify {
		if got := crc32.ChecksumIEEE(data); got != entry.CRC32 {
			return nil, ferr.Newf(ferr.IntegrityError, "entry %q: CRC32 mismatch: got %#x, want %#x", entry.Name, got, entry.CRC32)
		}
	}

	return data, nil
}

// decryptAESCBC reverses P4K's AES-128-CBC-with-zero-IV-and-PKCS#7
// encryption (spec.md §4.3). The ciphertext length must be a multiple of
// the AES block size.
func decryptAESCBC(ciphertext []byte, key [16]byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return ciphertext, nil
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, ferr.Newf(ferr.DecryptionError, "ciphertext length %d is not a multiple of the AES block size", len(ciphertext))
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, ferr.Wrap(ferr.DecryptionError, "constructing AES cipher", err)
	}
	iv := make([]byte, aes.BlockSize)
	mode := cipher.NewCBCDecrypter(block, iv)
	out := make([]byte, len(ciphertext))
	mode.CryptBlocks(out, ciphertext)

	return unpadPKCS7(out)
}

func unpadPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(data) {
		return nil, ferr.Newf(ferr.DecryptionError, "invalid PKCS#7 padding length %d", padLen)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ferr.New(ferr.DecryptionError, "invalid PKCS#7 padding bytes")
		}
	}
	return data[:len(data)-padLen], nil
}

func decompress(raw []byte, method uint16, uncompressedSize uint64) ([]byte, error) {
	switch method {
	case MethodStore:
		return raw, nil
	case MethodDeflate:
		fr := flate.NewReader(bytes.NewReader(raw))
		defer fr.Close()
		out := make([]byte, 0, uncompressedSize)
		buf := bytes.NewBuffer(out)
		if _, err := io.Copy(buf, fr); err != nil {
			return nil, ferr.Wrap(ferr.DecompressionError, "inflating deflate stream", err)
		}
		return buf.Bytes(), nil
	case MethodZstd:
		out, err := sharedZstdDecoder.DecodeAll(raw, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, ferr.Wrap(ferr.DecompressionError, "decoding zstd stream", err)
		}
		return out, nil
	default:
		return nil, ferr.Newf(ferr.UnsupportedCompression, "unsupported compression method %d", method)
	}
}
