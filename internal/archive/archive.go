// SPDX-License-Identifier: MIT

// Package archive extracts RAR sets left inside finished downloads by
// shelling out to unrar.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pipearr/pipearr/internal/log"
)

// ErrBinaryNotFound means no unrar binary could be resolved. Callers
// treat this as a permanent configuration problem, not a flaky stage.
var ErrBinaryNotFound = errors.New("unrar binary not found")

// Extractor finds and unpacks archives inside a download.
type Extractor interface {
	// Detect returns the archives extraction should start from, one
	// per volume set.
	Detect(files []string) []string
	Extract(ctx context.Context, archivePath, destDir string) error
}

// Unrar runs the unrar binary. The zero value resolves "unrar" from
// PATH on first use.
type Unrar struct {
	// BinPath is the unrar binary. Empty means PATH lookup.
	BinPath string
	logger  zerolog.Logger
}

// NewUnrar builds an extractor around the given binary path.
func NewUnrar(binPath string) *Unrar {
	return &Unrar{
		BinPath: binPath,
		logger:  log.WithComponent("archive"),
	}
}

// partTail matches the volume number of .partNN.rar naming.
var partTail = regexp.MustCompile(`(?i)\.part(\d+)\.rar$`)

// Detect returns the head volume of every RAR set among files. Plain
// .rar files count as heads; .partNN.rar counts only for volume one;
// .rNN continuations never do.
func (u *Unrar) Detect(files []string) []string {
	var heads []string
	for _, f := range files {
		lower := strings.ToLower(f)
		if m := partTail.FindStringSubmatch(lower); m != nil {
			if strings.TrimLeft(m[1], "0") == "1" {
				heads = append(heads, f)
			}
			continue
		}
		if strings.HasSuffix(lower, ".rar") {
			heads = append(heads, f)
		}
	}
	sort.Strings(heads)
	return heads
}

func (u *Unrar) resolveBin() (string, error) {
	bin := strings.TrimSpace(u.BinPath)
	if bin == "" {
		bin = "unrar"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrBinaryNotFound, bin)
	}
	return path, nil
}

// stderrTailLimit bounds how much unrar output an error carries.
const stderrTailLimit = 2048

// Extract unpacks archivePath into destDir, overwriting existing
// files. Multi-volume sets are followed automatically from the first
// volume.
func (u *Unrar) Extract(ctx context.Context, archivePath, destDir string) error {
	bin, err := u.resolveBin()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create extraction dir: %w", err)
	}

	// x keeps archive paths, -o+ overwrites, -p- never prompts for a
	// password, -idq keeps output to errors only.
	args := []string{"x", "-o+", "-p-", "-y", "-idq", archivePath, destDir + string(os.PathSeparator)}
	cmd := exec.CommandContext(ctx, bin, args...) // #nosec G204
	var stderr bytes.Buffer
	cmd.Stdout = nil
	cmd.Stderr = &stderr

	u.logger.Debug().
		Str(log.FieldPath, archivePath).
		Str("dest", destDir).
		Msg("extracting archive")

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("unrar %s: %w", archivePath, ctx.Err())
		}
		return fmt.Errorf("unrar %s: %w: %s", archivePath, err, stderrTail(stderr.Bytes()))
	}
	return nil
}

func stderrTail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > stderrTailLimit {
		s = s[len(s)-stderrTailLimit:]
	}
	return s
}
