// utils/archive.go
package utils

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/ulikunitz/xz"
)

var ErrArchiveTooLarge = errors.New("archive too large")

// ReadTarXZ decompresses an xz-compressed tar stream and returns its regular
// files keyed by cleaned member name ("./a/b.json" -> "a/b.json").
// maxBytes caps the total decompressed size of all members.
func ReadTarXZ(r io.Reader, maxBytes int64) (map[string][]byte, error) {
	xr, err := xz.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("not an xz stream: %w", err)
	}

	members := make(map[string][]byte)
	var total int64

	tr := tar.NewReader(xr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("not a valid tar archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
		// ✅ nothing may point outside the archive root
		if path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
			return nil, fmt.Errorf("illegal file path: %s", hdr.Name)
		}

		remaining := maxBytes - total
		data, err := io.ReadAll(io.LimitReader(tr, remaining+1))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		if int64(len(data)) > remaining {
			return nil, fmt.Errorf("%w: more than %d bytes once decompressed", ErrArchiveTooLarge, maxBytes)
		}
		total += int64(len(data))
		members[name] = data
	}

	return members, nil
}
