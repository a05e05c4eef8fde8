// SPDX-License-Identifier: MIT

package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/pipearr/pipearr/internal/pipeline/retry"
)

// fsSender copies files onto a locally mounted server root. The write
// is atomic so a half-copied file never surfaces under the final name.
type fsSender struct {
	logger zerolog.Logger
}

func (f *fsSender) deliver(ctx context.Context, srv Server, localPath, remotePath string, onProgress func(int64)) (int64, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(remotePath), 0o755); err != nil {
		return 0, f.mapErr(fmt.Errorf("create %s: %w", filepath.Dir(remotePath), err))
	}

	pending, err := renameio.NewPendingFile(remotePath)
	if err != nil {
		return 0, f.mapErr(fmt.Errorf("create pending file for %s: %w", remotePath, err))
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			f.logger.Debug().Err(err).Msg("cleanup pending delivery file")
		}
	}()

	pr := &progressReader{r: &ctxReader{ctx: ctx, r: src}, onProgress: onProgress}
	n, err := io.Copy(pending, pr)
	if err != nil {
		return n, f.mapErr(fmt.Errorf("copy to %s: %w", remotePath, err))
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return n, f.mapErr(fmt.Errorf("atomically replace %s: %w", remotePath, err))
	}
	return n, nil
}

func (f *fsSender) stat(srv Server, remotePath string) (*FileInfo, error) {
	fi, err := os.Stat(remotePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, retry.Tag(retry.ServiceDelivery, fmt.Errorf("stat %s on %s: %w", remotePath, srv.ID, err))
	}
	return &FileInfo{Path: remotePath, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// mapErr keeps full-disk failures distinguishable so the retry policy
// can pause instead of burning attempts.
func (f *fsSender) mapErr(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return retry.Mark(retry.ServiceDelivery, retry.KindDiskFull, err)
	}
	return retry.Tag(retry.ServiceDelivery, err)
}
