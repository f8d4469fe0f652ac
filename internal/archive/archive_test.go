package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDumps(t *testing.T) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"shop_schema.sql": "CREATE TABLE public.orders (id integer);\n",
		"shop_data.sql":   strings.Repeat("INSERT INTO public.orders VALUES (1);\n", 5000),
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}
	return dir, []string{"shop_schema.sql", "shop_data.sql"}
}

func TestPackUnpackAllFormats(t *testing.T) {
	for _, codec := range []Codec{CodecNone, CodecGzip, CodecZstd, CodecLZ4} {
		for _, encrypted := range []bool{false, true} {
			format := Format{Codec: codec, Encrypted: encrypted}
			t.Run(format.Extension(), func(t *testing.T) {
				src, files := writeDumps(t)
				opts := Options{Format: format, Passphrase: "s3cret"}

				var buf bytes.Buffer
				require.NoError(t, Pack(context.Background(), &buf, src, files, opts))

				dst := t.TempDir()
				names, err := Unpack(context.Background(), &buf, dst, opts)
				require.NoError(t, err)
				assert.Equal(t, files, names)

				for _, name := range files {
					want, _ := os.ReadFile(filepath.Join(src, name))
					got, err := os.ReadFile(filepath.Join(dst, name))
					require.NoError(t, err)
					assert.Equal(t, want, got)
				}
			})
		}
	}
}

func TestPackFileAndUnpackFile(t *testing.T) {
	src, files := writeDumps(t)
	format := Format{Codec: CodecZstd}
	dst := filepath.Join(t.TempDir(), "out", format.Name("shop_2024-01-02_03-04-05"))

	require.NoError(t, PackFile(context.Background(), dst, src, files, Options{Format: format}))

	extracted := t.TempDir()
	names, err := UnpackFile(context.Background(), dst, extracted, "")
	require.NoError(t, err)
	assert.Len(t, names, 2)

	path, err := FindFile(extracted, "shop_data.sql")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(extracted, "shop_data.sql"), path)
}

func TestPackFileRemovesPartialOutput(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "broken.tar.gz")

	err := PackFile(context.Background(), dst, src, []string{"missing.sql"}, Options{Format: Format{Codec: CodecGzip}})
	require.Error(t, err)
	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr))
}

func TestUnpackWrongPassphrase(t *testing.T) {
	src, files := writeDumps(t)
	format := Format{Codec: CodecGzip, Encrypted: true}

	var buf bytes.Buffer
	require.NoError(t, Pack(context.Background(), &buf, src, files, Options{Format: format, Passphrase: "right"}))

	_, err := Unpack(context.Background(), &buf, t.TempDir(), Options{Format: format, Passphrase: "wrong"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadPassphrase)
}

func TestUnpackEncryptedWithoutPassphrase(t *testing.T) {
	_, err := Unpack(context.Background(), bytes.NewReader(nil), t.TempDir(), Options{Format: Format{Encrypted: true}})
	assert.Error(t, err)
}

func TestUnpackRejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	body := []byte("owned")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../evil.sql", Mode: 0o600, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err := tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	_, err = Unpack(context.Background(), &buf, t.TempDir(), Options{Format: Format{Codec: CodecNone}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
}

func TestUnpackCanceled(t *testing.T) {
	src, files := writeDumps(t)
	var buf bytes.Buffer
	require.NoError(t, Pack(context.Background(), &buf, src, files, Options{Format: Format{Codec: CodecNone}}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Unpack(ctx, &buf, t.TempDir(), Options{Format: Format{Codec: CodecNone}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name    string
		want    Format
		wantErr bool
	}{
		{"shop.tar.gz", Format{Codec: CodecGzip}, false},
		{"shop.tgz", Format{Codec: CodecGzip}, false},
		{"dir/SHOP.TAR.ZST", Format{Codec: CodecZstd}, false},
		{"shop.tar.lz4.enc", Format{Codec: CodecLZ4, Encrypted: true}, false},
		{"shop.tar", Format{Codec: CodecNone}, false},
		{"shop.tar.enc", Format{Codec: CodecNone, Encrypted: true}, false},
		{"shop.sql", Format{}, true},
		{"shop.zip", Format{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectFormat(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTrimExtension(t *testing.T) {
	assert.Equal(t, "shop_2024", TrimExtension("shop_2024.tar.gz"))
	assert.Equal(t, "shop_2024", TrimExtension("shop_2024.tar.zst.enc"))
	assert.Equal(t, "shop_2024", TrimExtension("shop_2024.tgz"))
	assert.Equal(t, "notes.txt", TrimExtension("notes.txt"))
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec("")
	require.NoError(t, err)
	assert.Equal(t, CodecGzip, c)

	c, err = ParseCodec(" ZSTD ")
	require.NoError(t, err)
	assert.Equal(t, CodecZstd, c)
	assert.True(t, c.Compressed())
	assert.False(t, CodecNone.Compressed())

	_, err = ParseCodec("brotli")
	assert.Error(t, err)
}

func TestEncryptedStreamDetectsTruncation(t *testing.T) {
	var buf bytes.Buffer
	ew, err := NewEncryptWriter(&buf, "pw")
	require.NoError(t, err)
	_, err = ew.Write(bytes.Repeat([]byte("x"), chunkSize*2+10))
	require.NoError(t, err)
	require.NoError(t, ew.Close())

	full := buf.Bytes()
	truncated := full[:len(full)-40]

	dr, err := NewDecryptReader(bytes.NewReader(truncated), "pw")
	require.NoError(t, err)
	_, err = readAll(dr)
	assert.Error(t, err)

	dr, err = NewDecryptReader(bytes.NewReader(full), "pw")
	require.NoError(t, err)
	plain, err := readAll(dr)
	require.NoError(t, err)
	assert.Len(t, plain, chunkSize*2+10)
}

func TestEncryptWriterRejectsEmptyPassphrase(t *testing.T) {
	_, err := NewEncryptWriter(&bytes.Buffer{}, "")
	assert.Error(t, err)
}

func readAll(r interface{ Read([]byte) (int, error) }) ([]byte, error) {
	var out bytes.Buffer
	_, err := out.ReadFrom(r)
	return out.Bytes(), err
}
