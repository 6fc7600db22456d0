package meter

import (
	"fmt"
	"log/slog"
	"strings"
)

// Progress renders periodic status lines for a batch loop. It only
// formats and logs; it never gates computation, and the caller decides
// the emission cadence.
type Progress struct {
	prefix     string
	numBatches int
	meters     []*Meter
	logger     *slog.Logger
}

// NewProgress creates a reporter over an ordered list of meters.
// numBatches is the total batch count of the loop; the batch position
// is zero-padded to its digit width.
func NewProgress(logger *slog.Logger, numBatches int, prefix string, meters ...*Meter) *Progress {
	return &Progress{
		prefix:     prefix,
		numBatches: numBatches,
		meters:     meters,
		logger:     logger,
	}
}

// Display emits one status line for the given batch index.
func (p *Progress) Display(batch int) {
	width := len(fmt.Sprint(p.numBatches))
	entries := make([]string, 0, len(p.meters)+1)
	entries = append(entries, fmt.Sprintf("%s[%0*d/%d]", p.prefix, width, batch, p.numBatches))
	for _, m := range p.meters {
		entries = append(entries, m.String())
	}

	p.logger.Info(strings.Join(entries, "  "))
}
