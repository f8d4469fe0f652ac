// Package archive packs dump files into a single tar stream, optionally
// compressed and encrypted, and unpacks such streams back into a directory.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Format describes how an artifact on disk is layered.
type Format struct {
	Codec     Codec
	Encrypted bool
}

// Extension is the file suffix for f, e.g. ".tar.zst.enc".
func (f Format) Extension() string {
	ext := f.Codec.Extension()
	if f.Encrypted {
		ext += encryptedSuffix
	}
	return ext
}

// Name returns base with the format's extension appended.
func (f Format) Name(base string) string {
	return base + f.Extension()
}

// DetectFormat derives the layering from a file name. Unknown suffixes are
// rejected so a stray file is never fed to tar.
func DetectFormat(name string) (Format, error) {
	lower := strings.ToLower(filepath.Base(name))
	var f Format
	if strings.HasSuffix(lower, encryptedSuffix) {
		f.Encrypted = true
		lower = strings.TrimSuffix(lower, encryptedSuffix)
	}
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		f.Codec = CodecGzip
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tar.zstd"):
		f.Codec = CodecZstd
	case strings.HasSuffix(lower, ".tar.lz4"):
		f.Codec = CodecLZ4
	case strings.HasSuffix(lower, ".tar"):
		f.Codec = CodecNone
	default:
		return Format{}, fmt.Errorf("unrecognized archive extension: %s", name)
	}
	return f, nil
}

// TrimExtension strips a recognized archive suffix from name.
func TrimExtension(name string) string {
	f, err := DetectFormat(name)
	if err != nil {
		return name
	}
	base := name
	if f.Encrypted {
		base = base[:len(base)-len(encryptedSuffix)]
	}
	lower := strings.ToLower(base)
	for _, ext := range []string{".tar.gz", ".tgz", ".tar.zstd", ".tar.zst", ".tar.lz4", ".tar"} {
		if strings.HasSuffix(lower, ext) {
			return base[:len(base)-len(ext)]
		}
	}
	return base
}

// Options control packing and unpacking.
type Options struct {
	Format Format
	// Passphrase is required when Format.Encrypted is set.
	Passphrase string
}

// Pack writes the named files from dir into w as a flat tar stream, applying
// compression and then encryption according to opts.
func Pack(ctx context.Context, w io.Writer, dir string, files []string, opts Options) error {
	var layers []io.Closer

	out := w
	if opts.Format.Encrypted {
		ew, err := NewEncryptWriter(out, opts.Passphrase)
		if err != nil {
			return err
		}
		layers = append(layers, ew)
		out = ew
	}
	cw, err := NewWriter(out, opts.Format.Codec)
	if err != nil {
		return err
	}
	layers = append(layers, cw)

	tw := tar.NewWriter(cw)
	layers = append(layers, tw)

	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addFile(tw, dir, name); err != nil {
			return err
		}
	}

	// Close innermost first so every layer sees its trailer.
	for i := len(layers) - 1; i >= 0; i-- {
		if err := layers[i].Close(); err != nil {
			return fmt.Errorf("failed to finalize archive: %w", err)
		}
	}
	return nil
}

func addFile(tw *tar.Writer, dir, name string) error {
	path := filepath.Join(dir, name)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(name)

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write header for %s: %w", name, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("failed to add %s to archive: %w", name, err)
	}
	return nil
}

// PackFile creates dst and packs files into it. A partially written dst is
// removed on failure.
func PackFile(ctx context.Context, dst, dir string, files []string, opts Options) (err error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dst)
		}
	}()
	return Pack(ctx, f, dir, files, opts)
}

// Unpack reads a stream written by Pack and extracts regular files into dir.
// It returns the extracted names in archive order.
func Unpack(ctx context.Context, r io.Reader, dir string, opts Options) ([]string, error) {
	in := r
	if opts.Format.Encrypted {
		if opts.Passphrase == "" {
			return nil, errors.New("archive is encrypted but no passphrase was provided")
		}
		dr, err := NewDecryptReader(in, opts.Passphrase)
		if err != nil {
			return nil, err
		}
		in = dr
	}
	cr, err := NewReader(in, opts.Format.Codec)
	if err != nil {
		return nil, err
	}
	defer cr.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create extraction directory: %w", err)
	}

	var names []string
	tr := tar.NewReader(cr)
	for {
		if err := ctx.Err(); err != nil {
			return names, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return names, nil
		}
		if err != nil {
			return names, fmt.Errorf("failed to read archive: %w", err)
		}

		target, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return names, err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return names, err
			}
		case tar.TypeReg:
			if err := extractFile(tr, target); err != nil {
				return names, err
			}
			names = append(names, hdr.Name)
		}
	}
}

// UnpackFile opens src, detects its format from the name and unpacks it.
func UnpackFile(ctx context.Context, src, dir, passphrase string) ([]string, error) {
	format, err := DetectFormat(src)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()
	return Unpack(ctx, f, dir, Options{Format: format, Passphrase: passphrase})
}

func extractFile(r io.Reader, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("failed to extract %s: %w", target, err)
	}
	return f.Close()
}

func safeJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(name) {
		return "", fmt.Errorf("archive entry escapes extraction directory: %s", name)
	}
	return target, nil
}

// FindFile walks dir for a regular file called name and returns its path.
// Archives produced elsewhere sometimes nest dumps in a subdirectory.
func FindFile(dir, name string) (string, error) {
	var found string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == name {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("%s not found in %s: %w", name, dir, os.ErrNotExist)
	}
	return found, nil
}
