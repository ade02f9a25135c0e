package filesystem

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"emperror.dev/errors"
	"github.com/karrick/godirwalk"
)

type usageLookupTime struct {
	sync.RWMutex
	value time.Time
}

// Set sets the last time that a disk space lookup was performed.
func (ult *usageLookupTime) Set(t time.Time) {
	ult.Lock()
	ult.value = t
	ult.Unlock()
}

// Get the last time that we performed a disk space usage lookup.
func (ult *usageLookupTime) Get() time.Time {
	ult.RLock()
	defer ult.RUnlock()

	return ult.value
}

// MaxDisk returns the maximum amount of disk space that this Filesystem
// instance is allowed to use. A value of 0 means the instance is unlimited.
func (fs *Filesystem) MaxDisk() int64 {
	return atomic.LoadInt64(&fs.diskLimit)
}

// SetDiskLimit sets the disk space limit for this Filesystem instance.
func (fs *Filesystem) SetDiskLimit(i int64) {
	atomic.StoreInt64(&fs.diskLimit, i)
}

// SetDiskCheckInterval adjusts how often a full usage re-scan of the root may
// run. An interval of 0 disables usage scanning entirely.
func (fs *Filesystem) SetDiskCheckInterval(d time.Duration) {
	fs.mu.Lock()
	fs.diskCheckInterval = d
	fs.mu.Unlock()
}

func (fs *Filesystem) checkInterval() time.Duration {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	return fs.diskCheckInterval
}

// HasSpaceErr is the same concept as HasSpaceAvailable however this will
// return an error if there is no space, rather than a boolean value.
func (fs *Filesystem) HasSpaceErr(allowStaleValue bool) error {
	if !fs.HasSpaceAvailable(allowStaleValue) {
		return newFilesystemError(ErrCodeDiskSpace, nil)
	}
	return nil
}

// HasSpaceAvailable determines if the instance is currently within its disk
// limit.
//
// Because determining the amount of space being used by the root is a taxing
// operation we will load it all up into a cache and pull from that as long as
// the key is not expired.
//
// This operation will potentially block unless allowStaleValue is set to true.
// See the documentation on DiskUsage for how this affects the call.
func (fs *Filesystem) HasSpaceAvailable(allowStaleValue bool) bool {
	size, err := fs.DiskUsage(allowStaleValue)
	if err != nil {
		fs.error(err).Warn("failed to determine root directory size")
	}

	// If space is 0 just return true, means the instance is allowed unlimited.
	//
	// Technically we could skip disk space calculation because we don't need to check
	// if the instance exceeds its limit but because this method caches the disk usage
	// it would be best to calculate the disk usage and always return true.
	if fs.MaxDisk() == 0 {
		return true
	}

	return size <= fs.MaxDisk()
}

// CachedUsage returns the cached value for the amount of disk space used by
// the root. Do not rely on this function for critical logical checks; it
// should only be used in areas where the actual disk usage does not need to
// be perfect.
func (fs *Filesystem) CachedUsage() int64 {
	return atomic.LoadInt64(&fs.diskUsed)
}

// DiskUsage returns the total size of all regular files below the root. This
// will prioritize a cached value to avoid excessive I/O; the root is only
// walked again once the cached figure is older than the check interval.
//
// If "allowStaleValue" is set to true, a stale value MAY be returned to the
// caller if there is an expired cache value AND there is currently another
// lookup in progress. If there is no cached value but no other lookup is in
// progress, a fresh disk space response will be returned to the caller.
//
// This is primarily to avoid a bunch of I/O operations from piling up on the
// instance, especially for roots with a large amount of files.
func (fs *Filesystem) DiskUsage(allowStaleValue bool) (int64, error) {
	// A disk check interval of 0 means this functionality is completely disabled.
	interval := fs.checkInterval()
	if interval == 0 {
		return 0, nil
	}

	if !fs.lastLookupTime.Get().After(time.Now().Add(-interval)) {
		// If we are not allowing a stale response go ahead and perform the lookup and
		// return the fresh value. This is a blocking operation to the calling process.
		if !allowStaleValue {
			return fs.updateCachedDiskUsage()
		} else if !fs.lookupInProgress.Get() {
			// Otherwise, if we allow a stale value and there isn't a valid item in the
			// cache and we aren't currently performing a lookup, just do the disk usage
			// calculation in the background.
			go func(fs *Filesystem) {
				if _, err := fs.updateCachedDiskUsage(); err != nil {
					fs.error(err).Warn("failed to update disk usage from within routine")
				}
			}(fs)
		}
	}

	// Return the currently cached value back to the calling function.
	return atomic.LoadInt64(&fs.diskUsed), nil
}

// Updates the currently used disk space for the root.
func (fs *Filesystem) updateCachedDiskUsage() (int64, error) {
	// Obtain an exclusive lock on this process so that we don't unintentionally run it at
	// the same time as another running process. Once the lock is available it'll read from
	// the cache for the second call rather than hitting the disk in parallel.
	fs.mu.Lock()
	defer fs.mu.Unlock()

	// Signal that we're currently updating the disk size so that other calls to the disk
	// checking functions can determine if they should queue up additional calls to this
	// function. Ensure that we always set this back to "false" when this process is done
	// executing.
	fs.lookupInProgress.Set(true)
	defer fs.lookupInProgress.Set(false)

	// If there is no size its either because there is no data (in which case running this
	// function will have effectively no impact), or there is nothing in the cache, in which
	// case we need to grab the size of the root directory. This is a taxing operation, so
	// we want to store it in the cache once we've gotten it.
	size, err := fs.directorySize(fs.root)

	// Always cache the size, even if there is an error. We want to always return that value
	// so that we don't cause an endless loop of determining the disk size if there is a
	// temporary error encountered.
	fs.lastLookupTime.Set(time.Now())

	atomic.StoreInt64(&fs.diskUsed, size)

	return size, err
}

// DirectorySize calculates the size of a directory and its descendants. Only
// regular files are counted.
func (fs *Filesystem) DirectorySize(dir string) (int64, error) {
	cleaned, err := fs.SafePath(dir)
	if err != nil {
		return 0, err
	}
	return fs.directorySize(cleaned)
}

func (fs *Filesystem) directorySize(cleaned string) (int64, error) {
	var size int64
	err := godirwalk.Walk(cleaned, &godirwalk.Options{
		Unsorted: true,
		Callback: func(p string, e *godirwalk.Dirent) error {
			if !e.IsRegular() {
				return nil
			}

			st, err := os.Lstat(p)
			if err != nil {
				return errors.Wrap(err, "filesystem: failed to stat child during size walk")
			}

			atomic.AddInt64(&size, st.Size())
			return nil
		},
	})
	return size, errors.WrapIf(err, "filesystem: failed to walk directory for size")
}

// HasSpaceFor checks that adding "size" bytes would not put the instance over
// its disk limit. A limit of 0 disables enforcement entirely.
func (fs *Filesystem) HasSpaceFor(size int64) error {
	if fs.MaxDisk() == 0 {
		return nil
	}
	s, err := fs.DiskUsage(true)
	if err != nil {
		return err
	}
	if (s + size) > fs.MaxDisk() {
		return newFilesystemError(ErrCodeDiskSpace, nil)
	}
	return nil
}

// Updates the disk usage counter for the Filesystem instance.
func (fs *Filesystem) addDisk(i int64) int64 {
	return atomic.AddInt64(&fs.diskUsed, i)
}
