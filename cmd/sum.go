package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/lvdlvd/ext4view/fsys/ext4"
)

// Sum prints the BLAKE3 digest of each file, in argument order. Up to
// workers files are hashed at once; ReadAt on the image must be safe for
// concurrent use.
func Sum(ctx context.Context, f *ext4.FS, paths []string, out io.Writer, workers int) error {
	sums := make([][]byte, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i, p := range paths {
		g.Go(func() error {
			sum, err := digest(ctx, f, absPath(p))
			if err != nil {
				return err
			}
			sums[i] = sum
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, p := range paths {
		if _, err := fmt.Fprintf(out, "%s  %s\n", hex.EncodeToString(sums[i]), displayName([]byte(p))); err != nil {
			return err
		}
	}
	return nil
}

const sumChunk = 1 << 20

func digest(ctx context.Context, f *ext4.FS, p string) ([]byte, error) {
	file, err := f.OpenFile(p)
	if err != nil {
		return nil, err
	}
	h := blake3.New()
	buf := make([]byte, sumChunk)
	for off := int64(0); off < file.Size(); {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := file.ReadAt(buf, off)
		h.Write(buf[:n])
		off += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return h.Sum(nil), nil
}
