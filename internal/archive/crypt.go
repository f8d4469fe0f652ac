package archive

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Encrypted artifacts are a header followed by length-prefixed AES-256-GCM
// chunks:
//
//	magic(8) | salt(16) | nonce(12) | { len(4) | sealed chunk }...
//
// The high bit of len marks the last chunk, so a truncated file fails to
// decrypt instead of yielding a silently short dump. Chunk i is sealed with
// the base nonce XOR i in its last 8 bytes.
const (
	cryptMagic      = "DBTENC01"
	saltSize        = 16
	keySize         = 32
	pbkdf2Rounds    = 100000
	chunkSize       = 64 * 1024
	finalChunkFlag  = uint32(1) << 31
	encryptedSuffix = ".enc"
)

// ErrBadPassphrase is returned when an artifact cannot be authenticated.
var ErrBadPassphrase = errors.New("artifact authentication failed: wrong passphrase or corrupted file")

func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Rounds, keySize, sha256.New)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func chunkNonce(base []byte, counter uint64) []byte {
	nonce := make([]byte, len(base))
	copy(nonce, base)
	tail := nonce[len(nonce)-8:]
	binary.BigEndian.PutUint64(tail, binary.BigEndian.Uint64(tail)^counter)
	return nonce
}

type encryptWriter struct {
	w       io.Writer
	aead    cipher.AEAD
	nonce   []byte
	buf     []byte
	counter uint64
	closed  bool
}

// NewEncryptWriter returns a writer that encrypts into w with a key derived
// from passphrase. Close must be called to write the final chunk; it does not
// close w.
func NewEncryptWriter(w io.Writer, passphrase string) (io.WriteCloser, error) {
	if passphrase == "" {
		return nil, errors.New("encryption passphrase is empty")
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	aead, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	header := append([]byte(cryptMagic), salt...)
	header = append(header, nonce...)
	if _, err := w.Write(header); err != nil {
		return nil, err
	}

	return &encryptWriter{w: w, aead: aead, nonce: nonce, buf: make([]byte, 0, chunkSize)}, nil
}

func (e *encryptWriter) Write(p []byte) (int, error) {
	if e.closed {
		return 0, errors.New("write to closed encryptor")
	}
	n := 0
	for len(p) > 0 {
		take := chunkSize - len(e.buf)
		if take > len(p) {
			take = len(p)
		}
		e.buf = append(e.buf, p[:take]...)
		p = p[take:]
		n += take
		// A full buffer is only flushed once more data arrives, so the last
		// chunk can always be marked final in Close.
		if len(e.buf) == chunkSize && len(p) > 0 {
			if err := e.flush(false); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

func (e *encryptWriter) flush(final bool) error {
	sealed := e.aead.Seal(nil, chunkNonce(e.nonce, e.counter), e.buf, nil)
	e.counter++
	e.buf = e.buf[:0]

	length := uint32(len(sealed))
	if final {
		length |= finalChunkFlag
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], length)
	if _, err := e.w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := e.w.Write(sealed)
	return err
}

func (e *encryptWriter) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	return e.flush(true)
}

type decryptReader struct {
	r       *bufio.Reader
	aead    cipher.AEAD
	nonce   []byte
	counter uint64
	plain   []byte
	done    bool
}

// NewDecryptReader authenticates and decrypts a stream written by
// NewEncryptWriter.
func NewDecryptReader(r io.Reader, passphrase string) (io.Reader, error) {
	br := bufio.NewReader(r)

	header := make([]byte, len(cryptMagic)+saltSize)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("failed to read encryption header: %w", err)
	}
	if string(header[:len(cryptMagic)]) != cryptMagic {
		return nil, errors.New("artifact is not encrypted with a supported format")
	}

	aead, err := newGCM(deriveKey(passphrase, header[len(cryptMagic):]))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(br, nonce); err != nil {
		return nil, fmt.Errorf("failed to read encryption header: %w", err)
	}

	return &decryptReader{r: br, aead: aead, nonce: nonce}, nil
}

func (d *decryptReader) Read(p []byte) (int, error) {
	for len(d.plain) == 0 {
		if d.done {
			return 0, io.EOF
		}
		if err := d.next(); err != nil {
			return 0, err
		}
	}
	n := copy(p, d.plain)
	d.plain = d.plain[n:]
	return n, nil
}

func (d *decryptReader) next() error {
	var prefix [4]byte
	if _, err := io.ReadFull(d.r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("encrypted artifact is truncated: %w", io.ErrUnexpectedEOF)
		}
		return err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	final := length&finalChunkFlag != 0
	length &^= finalChunkFlag
	if length > chunkSize+uint32(d.aead.Overhead()) {
		return ErrBadPassphrase
	}

	sealed := make([]byte, length)
	if _, err := io.ReadFull(d.r, sealed); err != nil {
		return fmt.Errorf("encrypted artifact is truncated: %w", err)
	}
	plain, err := d.aead.Open(sealed[:0], chunkNonce(d.nonce, d.counter), sealed, nil)
	if err != nil {
		return ErrBadPassphrase
	}
	d.counter++
	d.plain = plain
	d.done = final
	return nil
}
