package upload

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// CompressedExt is appended to compressed backup names.
const CompressedExt = ".zst"

// CompressFile writes a zstd-compressed copy of src to dst and returns the
// compressed size.
func CompressFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", dst, err)
	}

	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = out.Close()

		return 0, fmt.Errorf("creating zstd encoder: %w", err)
	}

	if _, err := io.Copy(enc, in); err != nil {
		_ = enc.Close()
		_ = out.Close()

		return 0, fmt.Errorf("compressing %s: %w", src, err)
	}

	if err := enc.Close(); err != nil {
		_ = out.Close()

		return 0, fmt.Errorf("flushing zstd stream: %w", err)
	}

	info, err := out.Stat()
	if err != nil {
		_ = out.Close()

		return 0, fmt.Errorf("stat %s: %w", dst, err)
	}

	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("closing %s: %w", dst, err)
	}

	return info.Size(), nil
}

// DecompressFile restores a file written by CompressFile.
func DecompressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}

	if _, err := io.Copy(out, dec); err != nil {
		_ = out.Close()

		return fmt.Errorf("decompressing %s: %w", src, err)
	}

	return out.Close()
}
