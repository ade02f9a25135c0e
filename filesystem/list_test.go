package filesystem

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/franela/goblin"
)

func TestFilesystem_List(t *testing.T) {
	g := Goblin(t)
	fs, rfs := NewFs()

	g.Describe("List", func() {
		g.It("returns an empty listing for an empty root", func() {
			out, err := fs.List("")
			g.Assert(err).IsNil()
			g.Assert(len(out)).Equal(0)
		})

		g.It("lists the immediate children of the root relative to it", func() {
			err := rfs.CreateRootFileFromString("a.txt", "content")
			g.Assert(err).IsNil()

			err = os.Mkdir(filepath.Join(rfs.root, "/root/b"), 0o755)
			g.Assert(err).IsNil()

			err = rfs.CreateRootFileFromString("b/nested.txt", "content")
			g.Assert(err).IsNil()

			out, err := fs.List("")
			g.Assert(err).IsNil()
			g.Assert(out).Equal([]string{"a.txt", "b"})
		})

		g.It("lists the children of a subdirectory relative to the root", func() {
			err := os.MkdirAll(filepath.Join(rfs.root, "/root/b"), 0o755)
			g.Assert(err).IsNil()

			err = rfs.CreateRootFileFromString("b/nested.txt", "content")
			g.Assert(err).IsNil()

			out, err := fs.List("b")
			g.Assert(err).IsNil()
			g.Assert(out).Equal([]string{"b/nested.txt"})
		})

		g.It("returns an empty listing for a directory that does not exist", func() {
			out, err := fs.List("does/not/exist")
			g.Assert(err).IsNil()
			g.Assert(len(out)).Equal(0)
		})

		g.It("returns an error if the target is a regular file", func() {
			err := rfs.CreateRootFileFromString("file.txt", "content")
			g.Assert(err).IsNil()

			_, err = fs.List("file.txt")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeNotDirectory)).IsTrue()
		})

		g.It("returns an error if the target escapes the root", func() {
			_, err := fs.List("..")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodePathResolution)).IsTrue()
		})

		g.AfterEach(func() {
			rfs.reset()
		})
	})
}

func TestFilesystem_ListRecursive(t *testing.T) {
	g := Goblin(t)
	fs, rfs := NewFs()

	g.Describe("ListRecursive", func() {
		g.BeforeEach(func() {
			if err := os.MkdirAll(filepath.Join(rfs.root, "/root/a/b"), 0o755); err != nil {
				panic(err)
			}
			if err := rfs.CreateRootFileFromString("a/b/c.txt", "content"); err != nil {
				panic(err)
			}
			if err := rfs.CreateRootFileFromString("a/d.txt", "content"); err != nil {
				panic(err)
			}
		})

		g.It("reports every regular file in the subtree and excludes directories", func() {
			out, err := fs.ListRecursive("")
			g.Assert(err).IsNil()
			g.Assert(out).Equal([]string{"a/b/c.txt", "a/d.txt"})
		})

		g.It("can be scoped to a subdirectory", func() {
			out, err := fs.ListRecursive("a/b")
			g.Assert(err).IsNil()
			g.Assert(out).Equal([]string{"a/b/c.txt"})
		})

		g.It("returns an empty listing for a directory that does not exist", func() {
			out, err := fs.ListRecursive("missing")
			g.Assert(err).IsNil()
			g.Assert(len(out)).Equal(0)
		})

		g.It("returns an error if the target is a regular file", func() {
			_, err := fs.ListRecursive("a/d.txt")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeNotDirectory)).IsTrue()
		})

		g.It("returns an error if the target escapes the root", func() {
			_, err := fs.ListRecursive("../..")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodePathResolution)).IsTrue()
		})

		g.AfterEach(func() {
			rfs.reset()
		})
	})
}

func TestFilesystem_ListDirectory(t *testing.T) {
	g := Goblin(t)
	fs, rfs := NewFs()

	g.Describe("ListDirectory", func() {
		g.It("lists directories before files, each group alphabetized", func() {
			err := rfs.CreateRootFileFromString("zebra.txt", "content")
			g.Assert(err).IsNil()

			err = rfs.CreateRootFileFromString("apple.txt", "content")
			g.Assert(err).IsNil()

			err = os.Mkdir(filepath.Join(rfs.root, "/root/folder"), 0o755)
			g.Assert(err).IsNil()

			out, err := fs.ListDirectory("/")
			g.Assert(err).IsNil()
			g.Assert(len(out)).Equal(3)
			g.Assert(out[0].Info.Name()).Equal("folder")
			g.Assert(out[0].Info.IsDir()).IsTrue()
			g.Assert(out[1].Info.Name()).Equal("apple.txt")
			g.Assert(out[2].Info.Name()).Equal("zebra.txt")
		})

		g.It("detects a mime type for regular files", func() {
			err := rfs.CreateRootFileFromString("notes.txt", "plain text content")
			g.Assert(err).IsNil()

			out, err := fs.ListDirectory("/")
			g.Assert(err).IsNil()
			g.Assert(len(out)).Equal(1)
			g.Assert(out[0].Mimetype != "").IsTrue()
		})

		g.It("cannot list a directory outside the root", func() {
			_, err := fs.ListDirectory("..")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodePathResolution)).IsTrue()
		})

		g.AfterEach(func() {
			rfs.reset()
		})
	})
}
