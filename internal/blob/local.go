// Package blob stores captured artifacts (screenshots, logs, recordings)
// and returns a URL the result consumers can open.
package blob

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Local copies artifacts under Root and serves them below BaseURL.
type Local struct {
	Root    string
	BaseURL string
}

func NewLocal(root, baseURL string) *Local {
	return &Local{Root: root, BaseURL: strings.TrimRight(baseURL, "/")}
}

// Upload copies localPath to Root/key unless it already lives there.
func (l *Local) Upload(ctx context.Context, localPath, key string) (string, error) {
	key = cleanKey(key, localPath)
	if key == "" {
		return "", errors.Errorf("blob: invalid key for %s", localPath)
	}
	dst := filepath.Join(l.Root, filepath.FromSlash(key))

	srcAbs, _ := filepath.Abs(localPath)
	dstAbs, _ := filepath.Abs(dst)
	if srcAbs != dstAbs {
		if err := copyFile(ctx, localPath, dst); err != nil {
			return "", err
		}
	}
	url := l.BaseURL + "/" + key
	log.Debug().Str("path", localPath).Str("url", url).Msg("blob: artifact stored locally")
	return url, nil
}

func copyFile(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "blob: open source failed")
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrap(err, "blob: create target dir failed")
	}
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, "blob: create target failed")
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrap(err, "blob: copy artifact failed")
	}
	return errors.Wrap(out.Close(), "blob: close target failed")
}

// cleanKey normalizes key to a relative slash path; an empty key falls back
// to the file base name. Keys escaping the root are rejected.
func cleanKey(key, localPath string) string {
	key = strings.TrimSpace(filepath.ToSlash(key))
	if key == "" {
		key = filepath.Base(localPath)
	}
	key = strings.TrimLeft(path.Clean("/"+key), "/")
	if key == "" || key == "." {
		return ""
	}
	return key
}
