package filesystem

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"emperror.dev/errors"
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/vesselworks/sandboxfs/internal/system"
)

// The default interval between full re-scans of the root when disk usage
// accounting is enabled.
const defaultDiskCheckInterval = 150 * time.Second

// Filesystem is a sandboxed accessor over a single root directory. Every
// operation takes a caller supplied relative path and resolves it through
// SafePath before the real filesystem is touched. The root is fixed at
// construction and never mutated, so a single instance is safe for use from
// concurrent callers; no atomicity is promised across separate calls.
type Filesystem struct {
	mu                sync.RWMutex
	lastLookupTime    *usageLookupTime
	lookupInProgress  *system.AtomicBool
	diskUsed          int64
	diskCheckInterval time.Duration
	denylist          *ignore.GitIgnore

	// The maximum amount of disk space (in bytes) that this Filesystem instance can use.
	diskLimit int64

	// The root directory path for this Filesystem instance.
	root string
}

// New creates a new Filesystem instance rooted at the given absolute
// directory path. A size of 0 disables disk limit enforcement. The denylist
// holds gitignore-style patterns for paths that IsIgnored should reject.
func New(root string, size int64, denylist []string) *Filesystem {
	return &Filesystem{
		root:              root,
		diskLimit:         size,
		diskCheckInterval: defaultDiskCheckInterval,
		lastLookupTime:    &usageLookupTime{},
		lookupInProgress:  system.NewAtomicBool(false),
		denylist:          ignore.CompileIgnoreLines(denylist...),
	}
}

// Path returns the root path for the Filesystem instance.
func (fs *Filesystem) Path() string {
	return fs.root
}

// Exists reports whether a filesystem entry is present at the given path.
// Both a genuinely absent entry and a path that fails validation report
// false; callers can never distinguish the two cases through this method.
func (fs *Filesystem) Exists(p string) bool {
	cleaned, err := fs.SafePath(p)
	if err != nil {
		return false
	}
	_, err = os.Lstat(cleaned)
	return err == nil
}

// File returns an open handle for a file instance along with its stat
// information. Directories are rejected.
func (fs *Filesystem) File(p string) (*os.File, Stat, error) {
	cleaned, err := fs.SafePath(p)
	if err != nil {
		return nil, Stat{}, errors.WithStackIf(err)
	}
	st, err := fs.unsafeStat(cleaned)
	if err != nil {
		return nil, Stat{}, errors.WithStackIf(err)
	}
	if st.Info.IsDir() {
		return nil, Stat{}, newFilesystemError(ErrCodeIsDirectory, nil)
	}
	f, err := os.Open(cleaned)
	if err != nil {
		return nil, Stat{}, errors.WithStackIf(err)
	}
	return f, st, nil
}

// Touch acts by creating the given file and path on the disk if it is not
// present already. If it is present, the file is opened using the provided
// flags. The opened file is then returned to the caller.
func (fs *Filesystem) Touch(p string, flag int) (*os.File, error) {
	cleaned, err := fs.SafePath(p)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(cleaned, flag, 0o644)
	if err == nil {
		return f, nil
	}
	// If the error is not because it doesn't exist then we just need to bail at this point.
	if !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "filesystem: touch: failed to open file handle")
	}
	// Create the path leading up to the file we're trying to create if it is missing.
	if _, err := os.Stat(filepath.Dir(cleaned)); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(cleaned), 0o755); err != nil {
			return nil, errors.Wrap(err, "filesystem: touch: failed to create directory tree")
		}
	}
	o := &fileOpener{}
	// Try to open the file now that we have created the pathing necessary for it.
	f, err = o.open(cleaned, flag, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "filesystem: touch: failed to open file with wait")
	}
	return f, nil
}

// Readfile reads a file from the system and copies its contents to the
// provided writer.
func (fs *Filesystem) Readfile(p string, w io.Writer) error {
	file, _, err := fs.File(p)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := bufio.NewReader(file).WriteTo(w); err != nil {
		return errors.Wrap(err, "filesystem: failed to copy file contents")
	}
	return nil
}

// Read returns the full contents of a file as a byte slice. The file size is
// determined up front and exactly that many bytes are read; a short read is
// reported as an error.
func (fs *Filesystem) Read(p string) ([]byte, error) {
	file, st, err := fs.File(p)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	b := make([]byte, st.Info.Size())
	if _, err := io.ReadFull(file, b); err != nil {
		return nil, errors.Wrap(err, "filesystem: failed to read file contents")
	}
	return b, nil
}

// ReadString reads a file and reinterprets its contents as a string. No
// transcoding validation is performed; encoding correctness is left to the
// caller.
func (fs *Filesystem) ReadString(p string) (string, error) {
	b, err := fs.Read(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Writefile writes a file to the system. If the file does not already exist
// one will be created along with any missing parent directories. This will
// also properly recalculate the disk space used by the instance when writing
// new files or modifying existing ones.
func (fs *Filesystem) Writefile(p string, r io.Reader) error {
	cleaned, err := fs.SafePath(p)
	if err != nil {
		return err
	}

	var currentSize int64
	// If the file does not exist on the system already go ahead and create the pathway
	// to it and an empty file. We'll then write to it later on after this completes.
	stat, err := os.Stat(cleaned)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "filesystem: writefile: failed to stat file")
	} else if err == nil {
		if stat.IsDir() {
			return errors.WithStack(&Error{code: ErrCodeIsDirectory, resolved: cleaned})
		}
		currentSize = stat.Size()
	}

	br := bufio.NewReader(r)
	// Check that the new size we're writing to the disk can fit. If there is currently
	// a file we'll subtract that current file size from the size of the buffer to determine
	// the amount of new data we're writing (or amount we're removing if smaller).
	if err := fs.HasSpaceFor(int64(br.Size()) - currentSize); err != nil {
		return err
	}

	// Touch the file and return the handle to it at this point. This will create the file
	// and any necessary directories.
	file, err := fs.Touch(cleaned, os.O_RDWR|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}
	defer file.Close()

	buf := make([]byte, 1024*4)
	sz, err := io.CopyBuffer(file, br, buf)

	// Adjust the disk usage to account for the old size and the new size of the file.
	fs.addDisk(sz - currentSize)

	return errors.WithStackIf(err)
}

// Write writes the given content to a file, truncating any existing content
// and creating all missing parent directories.
func (fs *Filesystem) Write(p string, content []byte) error {
	return fs.Writefile(p, bytes.NewReader(content))
}

// WriteString is a byte-reinterpreting convenience over Write for string
// content.
func (fs *Filesystem) WriteString(p string, content string) error {
	return fs.Write(p, []byte(content))
}

// CreateDirectory creates the given directory along with any missing
// ancestors. Creating a directory that already exists is not an error.
func (fs *Filesystem) CreateDirectory(p string) error {
	cleaned, err := fs.SafePath(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cleaned, 0o755); err != nil {
		return errors.Wrap(err, "filesystem: failed to create directory")
	}
	return nil
}

// Rename moves (or renames) a file or directory.
func (fs *Filesystem) Rename(from string, to string) error {
	cleanedFrom, err := fs.SafePath(from)
	if err != nil {
		return errors.WithStack(err)
	}

	cleanedTo, err := fs.SafePath(to)
	if err != nil {
		return errors.WithStack(err)
	}

	// If the target file or directory already exists the rename function will fail, so just
	// bail out now.
	if _, err := os.Stat(cleanedTo); err == nil {
		return os.ErrExist
	}

	if cleanedTo == fs.Path() {
		return errors.New("filesystem: attempting to rename into an invalid directory space")
	}

	d := strings.TrimSuffix(cleanedTo, path.Base(cleanedTo))
	// Ensure that the directory we're moving into exists correctly on the system. Only do this if
	// we're not at the root directory level.
	if d != fs.Path() {
		if mkerr := os.MkdirAll(d, 0o755); mkerr != nil {
			return errors.WithMessage(mkerr, "failed to create directory structure for file rename")
		}
	}

	if err := os.Rename(cleanedFrom, cleanedTo); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Begin looping up to 50 times to try and create a unique copy file name. This will take
// an input of "file.txt" and generate "file copy.txt". If that name is already taken, it will
// then try to write "file copy 2.txt" and so on, until reaching 50 loops. At that point we
// won't waste anymore time, just use the current timestamp and make that copy.
func (fs *Filesystem) findCopySuffix(dir string, name string, extension string) (string, error) {
	var i int
	suffix := " copy"

	for i = 0; i < 51; i++ {
		if i > 0 {
			suffix = " copy " + strconv.Itoa(i)
		}

		n := name + suffix + extension
		// If we stat the file and it does not exist that means we're good to create the copy. If it
		// does exist, we'll just continue to the next loop and try again.
		if _, err := fs.Stat(path.Join(dir, n)); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return "", err
			}

			break
		}

		if i == 50 {
			suffix = "copy." + time.Now().Format(time.RFC3339)
		}
	}

	return name + suffix + extension, nil
}

// Copy copies a given file to the same location and appends a suffix to the
// file to indicate that it has been copied.
func (fs *Filesystem) Copy(p string) error {
	cleaned, err := fs.SafePath(p)
	if err != nil {
		return err
	}

	s, err := os.Stat(cleaned)
	if err != nil {
		return err
	} else if s.IsDir() || !s.Mode().IsRegular() {
		// If this is a directory or not a regular file, just throw a not-exist error
		// since anything calling this function should understand what that means.
		return os.ErrNotExist
	}

	// Check that copying this file wouldn't put the instance over its limit.
	if err := fs.HasSpaceFor(s.Size()); err != nil {
		return err
	}

	base := filepath.Base(cleaned)
	relative := strings.TrimSuffix(strings.TrimPrefix(cleaned, fs.Path()), base)
	extension := filepath.Ext(base)
	name := strings.TrimSuffix(base, extension)

	// Ensure that ".tar" is also counted as apart of the file extension.
	// There might be a better way to handle this for other double file extensions,
	// but this is a good workaround for now.
	if strings.HasSuffix(name, ".tar") {
		extension = ".tar" + extension
		name = strings.TrimSuffix(name, ".tar")
	}

	source, err := os.Open(cleaned)
	if err != nil {
		return err
	}
	defer source.Close()

	n, err := fs.findCopySuffix(relative, name, extension)
	if err != nil {
		return err
	}

	return fs.Writefile(path.Join(relative, n), source)
}

// Delete removes a file or folder from the system. Removal is idempotent: a
// target that is already absent is a success, not an error. The root
// directory itself can never be deleted through this method.
func (fs *Filesystem) Delete(p string) error {
	if p == "" {
		return errors.WithStack(&Error{code: ErrCodeInvalidPath, path: p})
	}

	wg := sync.WaitGroup{}
	// This is one of the few (only?) places in the codebase where we're explicitly not using
	// the SafePath functionality when working with user provided input. If we did, you would
	// not be able to delete a file that is a symlink pointing to a location outside of the
	// root directory.
	//
	// We also want to avoid resolving a symlink that points _within_ the root directory and
	// thus deleting the actual source file for the symlink rather than the symlink itself. For
	// these purposes just resolve the actual file path using filepath.Join() and confirm that
	// the path exists within the root directory.
	resolved := fs.unsafeFilePath(p)
	if !fs.unsafeIsInRoot(resolved) {
		return NewBadPathResolution(p, resolved)
	}

	// Block any whoopsies.
	if resolved == fs.Path() {
		return errors.New("filesystem: cannot delete root directory")
	}

	if st, err := os.Lstat(resolved); err != nil {
		if !os.IsNotExist(err) {
			fs.error(err).Warn("error while attempting to stat file before deletion")
		}
	} else {
		if !st.IsDir() {
			fs.addDisk(-st.Size())
		} else {
			wg.Add(1)
			go func(wg *sync.WaitGroup, resolved string) {
				defer wg.Done()
				if s, err := fs.DirectorySize(resolved); err == nil {
					fs.addDisk(-s)
				}
			}(&wg, resolved)
		}
	}

	wg.Wait()

	return os.RemoveAll(resolved)
}

type fileOpener struct {
	busy uint
}

// Attempts to open a given file up to "attempts" number of times, using a backoff. If the file
// cannot be opened because of a "text file busy" error, we will attempt until the number of
// attempts has been exhausted, at which point we will abort with an error.
func (fo *fileOpener) open(path string, flags int, perm os.FileMode) (*os.File, error) {
	for {
		f, err := os.OpenFile(path, flags, perm)

		// If there is an error because the text file is busy, go ahead and sleep for a few
		// hundred milliseconds and then try again up to three times before just returning the
		// error back to the caller.
		//
		// Based on code from: https://github.com/golang/go/issues/22220#issuecomment-336458122
		if err != nil && fo.busy < 3 && strings.Contains(err.Error(), "text file busy") {
			time.Sleep(100 * time.Millisecond << fo.busy)
			fo.busy++
			continue
		}

		return f, err
	}
}
