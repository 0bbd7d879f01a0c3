package chat_test

import (
	"github.com/coralogyx/loom/pkg/chat"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Uploaded files block", func() {
	Describe("ParseUploadedFiles", func() {
		It("should extract entries and strip the block from the content", func() {
			text := "please review these\n---UPLOADED FILES---\nreport.pdf (10240 bytes): /uploads/report.pdf\nnotes.txt (52 bytes): /uploads/notes.txt\n---END UPLOADED FILES---"

			parsed := chat.ParseUploadedFiles(text)
			Expect(parsed.HasBlock).To(BeTrue())
			Expect(parsed.CleanContent).To(Equal("please review these"))
			Expect(parsed.Files).To(Equal([]chat.UploadedFile{
				{Filename: "report.pdf", Size: 10240, Path: "/uploads/report.pdf"},
				{Filename: "notes.txt", Size: 52, Path: "/uploads/notes.txt"},
			}))
		})

		It("should treat the no-files sentinel as an empty list", func() {
			text := "nothing attached\n---UPLOADED FILES---\n(no files)\n---END UPLOADED FILES---"

			parsed := chat.ParseUploadedFiles(text)
			Expect(parsed.HasBlock).To(BeTrue())
			Expect(parsed.Files).To(BeEmpty())
			Expect(parsed.CleanContent).To(Equal("nothing attached"))
		})

		It("should skip malformed entry lines", func() {
			text := "mixed\n---UPLOADED FILES---\ngood.txt (7 bytes): /up/good.txt\nthis line is noise\nbad.txt (NaN bytes): /up/bad.txt\n---END UPLOADED FILES---"

			parsed := chat.ParseUploadedFiles(text)
			Expect(parsed.Files).To(HaveLen(1))
			Expect(parsed.Files[0].Filename).To(Equal("good.txt"))
		})

		It("should return text without a block unchanged", func() {
			text := "just a normal message"

			parsed := chat.ParseUploadedFiles(text)
			Expect(parsed.HasBlock).To(BeFalse())
			Expect(parsed.Files).To(BeEmpty())
			Expect(parsed.CleanContent).To(Equal(text))
		})

		It("should keep filenames containing parentheses", func() {
			text := "---UPLOADED FILES---\nreport (final).pdf (99 bytes): /up/report (final).pdf\n---END UPLOADED FILES---"

			parsed := chat.ParseUploadedFiles(text)
			Expect(parsed.Files).To(HaveLen(1))
			Expect(parsed.Files[0].Filename).To(Equal("report (final).pdf"))
			Expect(parsed.Files[0].Path).To(Equal("/up/report (final).pdf"))
		})
	})

	Describe("FormatUploadedFiles", func() {
		It("should round-trip through ParseUploadedFiles", func() {
			files := []chat.UploadedFile{
				{Filename: "a.go", Size: 1, Path: "/up/a.go"},
				{Filename: "b.go", Size: 2048, Path: "/up/b.go"},
			}

			block := chat.FormatUploadedFiles(files)
			parsed := chat.ParseUploadedFiles("message body\n" + block)
			Expect(parsed.HasBlock).To(BeTrue())
			Expect(parsed.Files).To(Equal(files))
			Expect(parsed.CleanContent).To(Equal("message body"))
		})

		It("should emit the sentinel for an empty list", func() {
			block := chat.FormatUploadedFiles(nil)
			Expect(block).To(ContainSubstring("(no files)"))

			parsed := chat.ParseUploadedFiles(block)
			Expect(parsed.HasBlock).To(BeTrue())
			Expect(parsed.Files).To(BeEmpty())
		})
	})
})
