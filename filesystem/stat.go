package filesystem

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"emperror.dev/errors"
	"github.com/gabriel-vasile/mimetype"
)

type Stat struct {
	Info     os.FileInfo
	Mimetype string
}

func (s *Stat) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name      string `json:"name"`
		Created   string `json:"created"`
		Modified  string `json:"modified"`
		Mode      string `json:"mode"`
		ModeBits  string `json:"mode_bits"`
		Size      int64  `json:"size"`
		Directory bool   `json:"directory"`
		File      bool   `json:"file"`
		Symlink   bool   `json:"symlink"`
		Mime      string `json:"mime"`
	}{
		Name:     s.Info.Name(),
		Created:  s.CTime().Format(time.RFC3339),
		Modified: s.Info.ModTime().Format(time.RFC3339),
		Mode:     s.Info.Mode().String(),
		// Using `&os.ModePerm` on the file's mode will cause the mode to only have the permission values, and nothing else.
		ModeBits:  strconv.FormatUint(uint64(s.Info.Mode()&os.ModePerm), 8),
		Size:      s.Info.Size(),
		Directory: s.Info.IsDir(),
		File:      !s.Info.IsDir(),
		Symlink:   s.Info.Mode().Perm()&os.ModeSymlink != 0,
		Mime:      s.Mimetype,
	})
}

// Stat stats a file or folder and returns the base stat object from go along
// with the MIME data that can be used for editing files.
func (fs *Filesystem) Stat(p string) (Stat, error) {
	cleaned, err := fs.SafePath(p)
	if err != nil {
		return Stat{}, err
	}

	return fs.unsafeStat(cleaned)
}

func (fs *Filesystem) unsafeStat(p string) (Stat, error) {
	s, err := os.Stat(p)
	if err != nil {
		return Stat{}, errors.WithStackIf(err)
	}

	var m *mimetype.MIME
	if !s.IsDir() {
		m, err = mimetype.DetectFile(p)
		if err != nil {
			return Stat{}, errors.WithStackIf(err)
		}
	}

	st := Stat{
		Info:     s,
		Mimetype: "inode/directory",
	}

	if m != nil {
		st.Mimetype = m.String()
	}

	return st, nil
}

// Size returns the byte length of a regular file. Requesting the size of a
// directory is an error.
func (fs *Filesystem) Size(p string) (int64, error) {
	cleaned, err := fs.SafePath(p)
	if err != nil {
		return 0, err
	}
	st, err := os.Stat(cleaned)
	if err != nil {
		return 0, errors.Wrap(err, "filesystem: failed to stat file for size")
	}
	if st.IsDir() {
		return 0, errors.WithStack(&Error{code: ErrCodeIsDirectory, path: p, resolved: cleaned})
	}
	return st.Size(), nil
}

// ModTime returns the modification time of a file or directory expressed in
// milliseconds since the Unix epoch.
func (fs *Filesystem) ModTime(p string) (int64, error) {
	cleaned, err := fs.SafePath(p)
	if err != nil {
		return 0, err
	}
	st, err := os.Stat(cleaned)
	if err != nil {
		return 0, errors.Wrap(err, "filesystem: failed to stat file for modification time")
	}
	return st.ModTime().UnixMilli(), nil
}

// SetModTime updates the modification (and access) time of a file or
// directory from a timestamp expressed in milliseconds since the Unix epoch.
// The target must already exist.
func (fs *Filesystem) SetModTime(p string, t int64) error {
	ts := time.UnixMilli(t)
	return fs.Chtimes(p, ts, ts)
}

// Chtimes sets the access and modification times on a path.
func (fs *Filesystem) Chtimes(p string, atime, mtime time.Time) error {
	cleaned, err := fs.SafePath(p)
	if err != nil {
		return err
	}

	if err := os.Chtimes(cleaned, atime, mtime); err != nil {
		return errors.Wrap(err, "filesystem: failed to update file times")
	}

	return nil
}
