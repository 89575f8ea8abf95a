package upload

import (
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

// Member is one file inside an uploaded archive.
type Member struct {
	Name string
	Size int64
}

var notHexCharacters = regexp.MustCompile(`(?i)[^a-f0-9]`)

// ListArchive opens the archive in r and returns its member listing. The
// only recognized archive extension is .zip; anything else returns an
// *ExtensionError and a corrupt zip returns the zip error as is.
func ListArchive(r io.ReaderAt, size int64, filename string) ([]Member, error) {
	if ext := strings.ToLower(filepath.Ext(filename)); ext != ".zip" {
		return nil, &ExtensionError{Extension: ext}
	}

	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, err
	}

	members := make([]Member, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		members = append(members, Member{
			Name: f.Name,
			Size: int64(f.UncompressedSize64),
		})
	}
	return members, nil
}

// ExtensionError indicates an archive with an extension we do not process.
type ExtensionError struct {
	Extension string
}

func (e *ExtensionError) Error() string {
	return fmt.Sprintf("Unrecognized archive file extension %q", e.Extension)
}

// ValidateListing checks every member name against the allowed patterns. A
// name is acceptable when it is <module>/<hex>/<file> with a strictly
// hexadecimal middle segment, or a top level <name>-symbols.txt. Names
// containing any of the disallowed snippets are rejected outright. The
// returned error message is served to the client verbatim.
func ValidateListing(members []Member, disallowedSnippets []string) error {
	for _, member := range members {
		for _, snippet := range disallowedSnippets {
			if snippet != "" && strings.Contains(member.Name, snippet) {
				return fmt.Errorf(
					"Content of archive file contains the snippet '%s' which is not allowed",
					snippet,
				)
			}
		}

		split := strings.Split(member.Name, "/")
		switch {
		case len(split) == 3 && !notHexCharacters.MatchString(split[1]):
			continue
		case len(split) == 1 && strings.HasSuffix(strings.ToLower(member.Name), "-symbols.txt"):
			continue
		}

		return errors.New(
			"Unrecognized file pattern. Should only be <module>/<hex>/<file> " +
				"or <name>-symbols.txt and nothing else.",
		)
	}
	return nil
}

// ContentHash condenses a member listing into 12 hex characters. It only has
// to make inbox keys unique when the same filename is uploaded in quick
// succession.
func ContentHash(members []Member) string {
	lines := make([]string, len(members))
	for i, m := range members {
		lines[i] = fmt.Sprintf("%s:%d", m.Name, m.Size)
	}
	sum := md5.Sum([]byte(strings.Join(lines, "\n")))
	return fmt.Sprintf("%x", sum)[:12]
}

// InboxKey builds the spool key for an uploaded archive.
func InboxKey(now time.Time, contentHash, filename string) string {
	return fmt.Sprintf("inbox/%s/%s/%s", now.Format("2006-01-02"), contentHash, filename)
}
