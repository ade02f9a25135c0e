package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"emperror.dev/errors"
	"golang.org/x/sync/errgroup"
)

// IsIgnored checks if the given file or path matches the accessor's denylist.
// If so, an Error is returned, otherwise nil is returned.
func (fs *Filesystem) IsIgnored(paths ...string) error {
	for _, p := range paths {
		sp, err := fs.SafePath(p)
		if err != nil {
			return err
		}
		if fs.denylist.MatchesPath(sp) {
			return errors.WithStack(&Error{code: ErrCodeDenylistFile, path: p, resolved: sp})
		}
	}
	return nil
}

// SafePath normalizes a path being passed in to ensure the caller is not able
// to escape from the root directory. After normalization, if the path still
// resolves within the root it is returned. If the caller managed to "escape"
// an error will be returned.
//
// Symlinks along existing ancestors are resolved before the containment check
// runs. If the target (or part of its path) does not exist yet, validation
// walks up the directory chain until it finds an ancestor that does exist and
// can be resolved; validation never fails merely because the final component
// has not been created yet.
func (fs *Filesystem) SafePath(p string) (string, error) {
	if p == "" {
		return "", errors.WithStack(&Error{code: ErrCodeInvalidPath, path: p})
	}

	var nonExistentPathResolution string

	// Start with a cleaned up path before checking the more complex bits.
	r := fs.unsafeFilePath(p)

	// At the same time, evaluate the symlink status and determine where this file or folder
	// is truly pointing to.
	ep, err := filepath.EvalSymlinks(r)
	if err != nil && !os.IsNotExist(err) {
		return "", errors.Wrap(err, "filesystem: failed to evaluate symlink")
	} else if os.IsNotExist(err) {
		// The requested path doesn't resolve to anything on the disk. If the final
		// component is present as a dangling symlink, writing through it would create
		// the link target, so resolve the target and validate that instead of the
		// link itself.
		if st, lerr := os.Lstat(r); lerr == nil && st.Mode()&os.ModeSymlink != 0 {
			t, lerr := os.Readlink(r)
			if lerr != nil {
				return "", errors.Wrap(lerr, "filesystem: failed to read dangling symlink")
			}
			if !filepath.IsAbs(t) {
				t = filepath.Join(filepath.Dir(r), t)
			}
			t = filepath.Clean(t)
			if !fs.unsafeIsInRoot(t) {
				return "", NewBadPathResolution(p, t)
			}
			return fs.SafePath(strings.TrimPrefix(t, fs.Path()))
		}

		// Otherwise iterate up the path chain until we hit a directory that _does_
		// exist and can be validated.
		parts := strings.Split(filepath.Dir(r), "/")

		var try string
		// Range over all of the path parts and form directory paths from the end
		// moving up until we have a valid resolution or we run out of paths to try.
		for k := range parts {
			try = strings.Join(parts[:(len(parts)-k)], "/")

			if !fs.unsafeIsInRoot(try) {
				break
			}

			t, err := filepath.EvalSymlinks(try)
			if err == nil {
				nonExistentPathResolution = t
				break
			}
		}
	}

	// If the new path doesn't start with the root directory there is clearly an escape
	// attempt going on, and we should NOT resolve this path for the caller.
	if nonExistentPathResolution != "" {
		if !fs.unsafeIsInRoot(nonExistentPathResolution) {
			return "", NewBadPathResolution(p, nonExistentPathResolution)
		}

		// If the nonExistentPathResolution variable is not empty then the initial path requested
		// did not exist and we looped through the pathway until we found a match. At this point
		// we've confirmed the first matched pathway exists in the root directory, so we can go
		// ahead and just return the path that was requested initially.
		return r, nil
	}

	// If the requested directory from EvalSymlinks begins with the root directory go ahead
	// and return it. If not we'll return an error which will block any further action on the
	// file.
	if fs.unsafeIsInRoot(ep) {
		return ep, nil
	}

	return "", NewBadPathResolution(p, r)
}

// Absolute generates the path the given input would resolve to by cleaning it
// up and appending the root directory to it. This DOES NOT guarantee that the
// path resolves within the root directory and must never stand in for
// SafePath before an actual filesystem access; it only exists so that a
// trusted caller can compute what a path would point at.
func (fs *Filesystem) Absolute(p string) string {
	return fs.unsafeFilePath(p)
}

// Generate a path to the file by cleaning it up and appending the root path to it. This
// DOES NOT guarantee that the file resolves within the root directory. You'll want to use
// the fs.unsafeIsInRoot(p) function to confirm.
func (fs *Filesystem) unsafeFilePath(p string) string {
	// Calling filepath.Clean on the joined directory will resolve it to the absolute path,
	// removing any ../ type of resolution arguments, and leaving us with a direct path link.
	//
	// This will also trim the existing root path off the beginning of the path passed to
	// the function since that can get a bit messy.
	return filepath.Clean(filepath.Join(fs.Path(), strings.TrimPrefix(p, fs.Path())))
}

// Check that the path string starts with the root directory path. The check appends a
// trailing separator to both sides first so that a sibling sharing the root's name as a
// string prefix ("/root-evil" against "/root") can never pass. This function DOES NOT
// validate that the rest of the path does not end up resolving out of the root, or that
// the targeted file or folder is not a symlink doing the same thing.
func (fs *Filesystem) unsafeIsInRoot(p string) bool {
	return strings.HasPrefix(strings.TrimSuffix(p, "/")+"/", strings.TrimSuffix(fs.Path(), "/")+"/")
}

// ParallelSafePath executes the fs.SafePath function in parallel against an array of
// paths. If any of the calls fails an error will be returned.
func (fs *Filesystem) ParallelSafePath(paths []string) ([]string, error) {
	var cleaned []string

	// Simple locker function to avoid racy appends to the array of cleaned paths.
	m := new(sync.Mutex)
	push := func(c string) {
		m.Lock()
		cleaned = append(cleaned, c)
		m.Unlock()
	}

	// Create an error group that we can use to run processes in parallel while retaining
	// the ability to cancel the entire process immediately should any of it fail.
	g, ctx := errgroup.WithContext(context.Background())

	for _, p := range paths {
		pi := p

		// Check each path in a separate goroutine. If the context is canceled abort the
		// process for the remaining paths.
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				if c, err := fs.SafePath(pi); err != nil {
					return err
				} else {
					push(c)
				}

				return nil
			}
		})
	}

	// Block until all of the routines finish and have returned a value.
	return cleaned, g.Wait()
}
