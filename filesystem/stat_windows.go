package filesystem

import (
	"syscall"
	"time"
)

// CTime returns the time that the file/folder was created.
func (s *Stat) CTime() time.Time {
	st := s.Info.Sys().(*syscall.Win32FileAttributeData)

	return time.Unix(0, st.CreationTime.Nanoseconds())
}
