// Package attach binds the files of an attachments directory to every
// outgoing message.
package attach

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"

	"github.com/shineum/mailmerge-lite/internal/email"
)

// DefaultDir is the attachments directory, relative to the working directory.
const DefaultDir = "attachments"

const fallbackType = "application/octet-stream"

// Binder attaches every regular file in Dir to each message.
type Binder struct {
	Dir string
	Out io.Writer
}

// New returns a Binder for dir that reports to out. An empty dir means DefaultDir.
func New(dir string, out io.Writer) *Binder {
	if dir == "" {
		dir = DefaultDir
	}
	return &Binder{Dir: dir, Out: out}
}

// Attach discovers the attachment files and binds them to messages. It
// returns the number of attachments added across all messages.
func (b *Binder) Attach(messages []*email.Message) int {
	return b.Bind(b.Discover(), messages)
}

// Discover lists the regular files in Dir in lexical order. Symlinks are
// followed and kept when they resolve to a regular file. A missing or empty
// directory is reported on Out and yields no files.
func (b *Binder) Discover() []string {
	entries, err := os.ReadDir(b.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(b.Out, "The %q directory does not exist.\n\n", b.Dir)
			return nil
		}
		slog.Warn("failed to list attachments directory", "dir", b.Dir, "error", err)
		fmt.Fprintf(b.Out, "The %q directory could not be read.\n\n", b.Dir)
		return nil
	}

	var files []string
	for _, entry := range entries {
		if b.isFile(entry) {
			files = append(files, entry.Name())
		}
	}

	if len(files) == 0 {
		fmt.Fprintf(b.Out, "There are no files in the %q directory.\n\n", b.Dir)
	}
	return files
}

func (b *Binder) isFile(entry fs.DirEntry) bool {
	if entry.Type().IsRegular() {
		return true
	}
	if entry.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(filepath.Join(b.Dir, entry.Name()))
	if err != nil {
		slog.Debug("skipping unresolvable symlink", "name", entry.Name(), "error", err)
		return false
	}
	return info.Mode().IsRegular()
}

// Bind appends each file to each message in order. Files are read once per
// message; a file that cannot be read is skipped for that message only.
func (b *Binder) Bind(files []string, messages []*email.Message) int {
	if len(files) == 0 {
		return 0
	}

	types := make([]string, len(files))
	for i, name := range files {
		types[i] = b.mediaType(name)
	}

	bound := 0
	for _, msg := range messages {
		for i, name := range files {
			content, err := os.ReadFile(filepath.Join(b.Dir, name))
			if err != nil {
				slog.Warn("failed to read attachment",
					"file", name,
					"recipient", msg.To,
					"error", err,
				)
				fmt.Fprintf(b.Out, "%s could not be read from the %q directory.\n", name, b.Dir)
				continue
			}

			msg.Attachments = append(msg.Attachments, email.Attachment{
				Filename:    name,
				ContentType: types[i],
				Content:     content,
			})
			bound++
		}
	}
	return bound
}

// mediaType guesses the media type from the extension, then from the content.
func (b *Binder) mediaType(name string) string {
	if mt := stripParams(mime.TypeByExtension(filepath.Ext(name))); mt != "" {
		return mt
	}

	detected, err := mimetype.DetectFile(filepath.Join(b.Dir, name))
	if err != nil {
		slog.Debug("failed to sniff attachment type", "file", name, "error", err)
		return fallbackType
	}
	if mt := stripParams(detected.String()); mt != "" {
		return mt
	}
	return fallbackType
}

// stripParams drops parameters such as charset from a media type.
func stripParams(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return mt
}
