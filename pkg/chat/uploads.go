package chat

import (
	"regexp"
	"strconv"
	"strings"
)

// UploadedFile is one entry of the uploaded-files block the client appends
// to a human message when files are attached.
type UploadedFile struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Path     string `json:"path"`
}

// ParsedUploads is the result of ParseUploadedFiles: the entries and the
// message text with the block stripped.
type ParsedUploads struct {
	Files        []UploadedFile
	CleanContent string
	HasBlock     bool
}

const uploadsNoFilesSentinel = "(no files)"

var (
	uploadsBlockRegex = regexp.MustCompile(`(?s)\n?---UPLOADED FILES---\n(.*?)---END UPLOADED FILES---\n?`)
	uploadsEntryRegex = regexp.MustCompile(`^(.+?) \((\d+) bytes\): (.+)$`)
)

// ParseUploadedFiles recognizes a delimited uploaded-files block inside text.
// Entry lines look like "report.pdf (10240 bytes): /uploads/report.pdf".
// Lines that don't match the entry pattern are skipped. A block holding only
// the "(no files)" sentinel yields an empty list. Text without a block is
// returned unchanged.
func ParseUploadedFiles(text string) ParsedUploads {
	match := uploadsBlockRegex.FindStringSubmatchIndex(text)
	if match == nil {
		return ParsedUploads{CleanContent: text}
	}

	body := text[match[2]:match[3]]
	clean := strings.TrimSpace(uploadsBlockRegex.ReplaceAllString(text, "\n"))

	var files []UploadedFile
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == uploadsNoFilesSentinel {
			continue
		}
		entry := uploadsEntryRegex.FindStringSubmatch(line)
		if entry == nil {
			continue
		}
		size, err := strconv.ParseInt(entry[2], 10, 64)
		if err != nil {
			continue
		}
		files = append(files, UploadedFile{
			Filename: entry[1],
			Size:     size,
			Path:     entry[3],
		})
	}

	return ParsedUploads{
		Files:        files,
		CleanContent: clean,
		HasBlock:     true,
	}
}

// FormatUploadedFiles renders the block ParseUploadedFiles recognizes.
func FormatUploadedFiles(files []UploadedFile) string {
	var sb strings.Builder
	sb.WriteString("---UPLOADED FILES---\n")
	if len(files) == 0 {
		sb.WriteString(uploadsNoFilesSentinel + "\n")
	}
	for _, f := range files {
		sb.WriteString(f.Filename)
		sb.WriteString(" (")
		sb.WriteString(strconv.FormatInt(f.Size, 10))
		sb.WriteString(" bytes): ")
		sb.WriteString(f.Path)
		sb.WriteString("\n")
	}
	sb.WriteString("---END UPLOADED FILES---")
	return sb.String()
}
