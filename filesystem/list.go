package filesystem

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"emperror.dev/errors"
	"github.com/gabriel-vasile/mimetype"
	"github.com/karrick/godirwalk"
)

// Resolves a listing target onto its validated absolute path. An empty string
// targets the root directory itself, which is trivially inside the root and
// needs no validation against it.
func (fs *Filesystem) resolveListTarget(dir string) (string, error) {
	if dir == "" {
		return fs.root, nil
	}
	return fs.SafePath(dir)
}

// Stats a listing target and decides how the listing should proceed. A
// missing directory contains no entries by definition, so it yields an empty
// listing rather than an error; an entry that exists but is not a directory
// is an error.
func (fs *Filesystem) checkListTarget(dir string, cleaned string) (bool, error) {
	st, err := os.Stat(cleaned)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "filesystem: list: failed to stat directory")
	}
	if !st.IsDir() {
		return false, errors.WithStack(&Error{code: ErrCodeNotDirectory, path: dir, resolved: cleaned})
	}
	return true, nil
}

// List enumerates the immediate children of a directory, each reported as a
// path relative to the root. A directory that does not yet exist yields an
// empty listing.
func (fs *Filesystem) List(dir string) ([]string, error) {
	cleaned, err := fs.resolveListTarget(dir)
	if err != nil {
		return nil, err
	}

	ok, err := fs.checkListTarget(dir, cleaned)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0)
	if !ok {
		return out, nil
	}

	files, err := os.ReadDir(cleaned)
	if err != nil {
		return nil, errors.Wrap(err, "filesystem: list: failed to read directory")
	}
	for _, f := range files {
		rel, err := filepath.Rel(fs.root, filepath.Join(cleaned, f.Name()))
		if err != nil {
			return nil, errors.Wrap(err, "filesystem: list: failed to relativize entry")
		}
		out = append(out, rel)
	}
	sort.Strings(out)
	return out, nil
}

// ListRecursive walks the full subtree below a directory and reports every
// regular file as a path relative to the root. Directories themselves are not
// included in the result. The same missing-directory and wrong-type handling
// as List applies.
func (fs *Filesystem) ListRecursive(dir string) ([]string, error) {
	cleaned, err := fs.resolveListTarget(dir)
	if err != nil {
		return nil, err
	}

	ok, err := fs.checkListTarget(dir, cleaned)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0)
	if !ok {
		return out, nil
	}

	err = godirwalk.Walk(cleaned, &godirwalk.Options{
		Unsorted: true,
		Callback: func(p string, e *godirwalk.Dirent) error {
			if !e.IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(fs.root, p)
			if err != nil {
				return err
			}
			out = append(out, rel)
			return nil
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "filesystem: list: failed to walk directory")
	}
	sort.Strings(out)
	return out, nil
}

// ListDirectory lists the contents of a given directory and returns stat
// information about each file and folder within it, directories first and
// alphabetized within each group.
func (fs *Filesystem) ListDirectory(p string) ([]Stat, error) {
	cleaned, err := fs.SafePath(p)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(cleaned)
	if err != nil {
		return nil, errors.Wrap(err, "filesystem: failed to read directory listing")
	}

	files := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			// The entry disappeared between the listing and the stat call, there is
			// nothing useful to report about it anymore.
			continue
		}
		files = append(files, info)
	}

	var wg sync.WaitGroup

	// You must initialize the output of this directory as a non-nil value otherwise
	// when it is marshaled into a JSON object you'll just get 'null' back.
	out := make([]Stat, len(files))

	// Iterate over all of the files and directories returned and perform an async process
	// to get the mime-type for them all.
	for i, file := range files {
		wg.Add(1)

		go func(idx int, f os.FileInfo) {
			defer wg.Done()

			var m *mimetype.MIME
			d := "inode/directory"
			if !f.IsDir() {
				cleanedp := filepath.Join(cleaned, f.Name())
				if f.Mode()&os.ModeSymlink != 0 {
					cleanedp, _ = fs.SafePath(filepath.Join(cleaned, f.Name()))
				}

				// Don't try to detect the type on a pipe, the read will just hang with
				// nothing ever coming back.
				if cleanedp != "" && f.Mode()&os.ModeNamedPipe == 0 {
					m, _ = mimetype.DetectFile(filepath.Join(cleaned, f.Name()))
				} else {
					// Just pass this for an unknown type because the file could not safely be
					// resolved within the root directory.
					d = "application/octet-stream"
				}
			}

			st := Stat{Info: f, Mimetype: d}
			if m != nil {
				st.Mimetype = m.String()
			}
			out[idx] = st
		}(i, file)
	}

	wg.Wait()

	// Sort the output alphabetically to begin with since we've run the output
	// through an asynchronous process and the order is gonna be very random.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Info.Name() < out[j].Info.Name()
	})

	// Then, sort it so that directories are listed first in the output. Everything
	// will continue to be alphabetized at this point.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Info.IsDir()
	})

	return out, nil
}
