package address

import (
	"errors"
	"strings"

	"github.com/keithlinneman/paf-admin/internal/validate"
	"github.com/keithlinneman/paf-admin/internal/xerrors"
)

// ErrBatchTooLarge is returned when a batch has more than validate.MaxBatchSize addresses.
var ErrBatchTooLarge = errors.New("batch too large")

// CheckBatch checks one address per line. Blank lines are skipped and do not
// count towards the batch limit. Results keep input order.
func CheckBatch(text string) ([]Result, error) {
	lines := SplitBatch(text)
	if len(lines) > validate.MaxBatchSize {
		return nil, xerrors.Wrapf(ErrBatchTooLarge, "%d addresses, max %d", len(lines), validate.MaxBatchSize)
	}
	out := make([]Result, 0, len(lines))
	for _, l := range lines {
		out = append(out, Check(l))
	}
	return out, nil
}

// SplitBatch returns the trimmed non-blank lines of text.
func SplitBatch(text string) []string {
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// Summary counts results by outcome.
type Summary struct {
	Total      int `json:"total"`
	Complete   int `json:"complete"`
	Incomplete int `json:"incomplete"`
}

// Summarize tallies a batch.
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.Complete {
			s.Complete++
		} else {
			s.Incomplete++
		}
	}
	return s
}
