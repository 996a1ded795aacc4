package agent

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// allowedAttachmentRoots are the only first path components a tar member
// may extract under.
var allowedAttachmentRoots = map[string]bool{
	"provision":       true,
	"firmware_update": true,
	"test":            true,
}

// UnpackAttachments extracts a gzip tar archive under <rundir>/attachments/,
// rejecting any member that would escape the destination, that isn't rooted
// under one of the three permitted phase directories, or that isn't a
// regular file, directory, or (non-escaping) hard link.
func UnpackAttachments(archive io.Reader, rundir string) error {
	destRoot := filepath.Join(rundir, "attachments")
	if err := os.MkdirAll(destRoot, 0755); err != nil {
		return fmt.Errorf("failed to create attachments dir: %w", err)
	}

	gz, err := gzip.NewReader(archive)
	if err != nil {
		return fmt.Errorf("failed to open attachment archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read attachment archive: %w", err)
		}

		target, ok := secureFilter(hdr, destRoot)
		if !ok {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := extractRegular(tr, target, hdr.Mode); err != nil {
				return err
			}
		case tar.TypeLink:
			linkTarget, ok := secureFilter(&tar.Header{Name: hdr.Linkname}, destRoot)
			if !ok {
				continue
			}
			if err := os.Link(linkTarget, target); err != nil {
				return err
			}
		default:
			// special files (symlinks, devices, fifos) are rejected outright
			continue
		}
	}
}

// secureFilter resolves a member name relative to destRoot and rejects
// names that escape it or aren't rooted under an allowed phase directory.
// Returns the resolved destination path and whether the member should be
// extracted.
func secureFilter(hdr *tar.Header, destRoot string) (string, bool) {
	name := filepath.Clean(hdr.Name)
	if filepath.IsAbs(name) || strings.HasPrefix(name, "..") {
		return "", false
	}

	parts := strings.SplitN(name, string(filepath.Separator), 2)
	if len(parts) == 0 || !allowedAttachmentRoots[parts[0]] {
		return "", false
	}

	target := filepath.Join(destRoot, name)
	rel, err := filepath.Rel(destRoot, target)
	if err != nil || !filepath.IsLocal(rel) {
		return "", false
	}
	return target, true
}

// extractRegular writes a regular file's content, applying the data-file
// mode mask: clear setuid/setgid/sticky and group/other write bits; mask
// executable bits unless the owner's executable bit was set; always ensure
// owner read/write.
func extractRegular(tr *tar.Reader, target string, mode int64) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	perm := os.FileMode(mode).Perm()
	perm &^= 0o7000 // clear setuid/setgid/sticky
	perm &^= 0o022  // clear group/other write
	if perm&0o100 == 0 {
		perm &^= 0o111 // no owner-exec: strip all exec bits
	}
	perm |= 0o600 // ensure owner read/write

	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("failed to create attachment file %s: %w", target, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, tr); err != nil {
		return fmt.Errorf("failed to write attachment file %s: %w", target, err)
	}
	return nil
}

// StripAttachmentKeys removes the "attachments" key from each phase data
// block now that the archive has been unpacked locally, deleting any phase
// entry that becomes empty as a result.
func StripAttachmentKeys(jobData map[string]map[string]interface{}) {
	for phase, data := range jobData {
		delete(data, "attachments")
		if len(data) == 0 {
			delete(jobData, phase)
		}
	}
}

// PackArtifacts tars and gzips the artifacts/ subtree of a run directory,
// returning nil, nil if that subtree doesn't exist or is empty.
func PackArtifacts(rundir string) ([]byte, error) {
	root := filepath.Join(rundir, "artifacts")
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, nil
	}

	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)

	wrote := false
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return err
		}
		wrote = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk artifacts directory: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close artifact tar writer: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close artifact gzip writer: %w", err)
	}
	if !wrote {
		return nil, nil
	}
	return buf.Bytes(), nil
}
