package compress

import (
	"path"
	"regexp"
	"strconv"

	"github.com/dustin/go-humanize"
)

// Display titles shared with the pipeline.
const (
	TitleReady      = "Ready"
	SubtitleWait    = "Please wait"
	TitleProcessing = "Processing"
	TitleSuccess    = "Success"
	TitleFailed     = "Failed"
)

var totalPattern = regexp.MustCompile(`^Total bytes (?:written|read): (\d+)`)

// Describe turns one archiver line into a display title and subtitle.
func Describe(kind LineKind, text string) (title, subtitle string) {
	switch kind {
	case KindStart:
		return TitleProcessing, text
	case KindEntry:
		return TitleProcessing, path.Base(path.Clean(text))
	case KindTotal:
		if m := totalPattern.FindStringSubmatch(text); len(m) > 1 {
			if n, err := strconv.ParseUint(m[1], 10, 64); err == nil {
				return TitleProcessing, humanize.Bytes(n)
			}
		}
		return TitleProcessing, text
	case KindError:
		return TitleFailed, text
	case KindFinish:
		return TitleSuccess, text
	default:
		return "", text
	}
}
