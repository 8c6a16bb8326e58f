package sim

import (
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/PagedKV/pagedkv/pkg/blockpool"
	"github.com/PagedKV/pagedkv/pkg/cache"
	"github.com/PagedKV/pagedkv/pkg/common/log"
)

// Reporter renders scenario output. Report content (tables, counters,
// translation results) goes to the writer; operational narration goes
// through the logger so scenario output stays stable for assertions
// while the narration follows the configured log level.
type Reporter struct {
	out    io.Writer
	logger log.Logger
}

// NewReporter creates a reporter writing report content to out. A nil
// logger falls back to the package default logger.
func NewReporter(out io.Writer, logger log.Logger) *Reporter {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &Reporter{out: out, logger: logger}
}

// Section prints a scenario section heading.
func (r *Reporter) Section(title string) {
	fmt.Fprintf(r.out, "=== %s ===\n\n", title)
}

// Printf writes formatted report content.
func (r *Reporter) Printf(format string, args ...interface{}) {
	fmt.Fprintf(r.out, format, args...)
}

// Narrate logs a progress message at info level.
func (r *Reporter) Narrate(msg string, args ...interface{}) {
	r.logger.Info(msg, args...)
}

// Status renders the free-block counter and a table of every registered
// sequence.
func (r *Reporter) Status(st cache.Status) {
	fmt.Fprintf(r.out, "Free blocks: %d/%d\n", st.FreeBlocks, st.TotalBlocks)

	if len(st.Sequences) == 0 {
		fmt.Fprintln(r.out)
		return
	}

	data := make([][]string, 0, len(st.Sequences))
	for _, seq := range st.Sequences {
		data = append(data, []string{
			seq.ID,
			fmt.Sprintf("%d", seq.TokenCount),
			fmt.Sprintf("%d", seq.BlockCount),
			FormatBlockTable(seq.BlockTable),
		})
	}

	table := tablewriter.NewWriter(r.out)
	table.SetHeader([]string{"SEQUENCE", "TOKENS", "BLOCKS", "BLOCK TABLE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
	fmt.Fprintln(r.out)
}

// FormatBlockTable renders a block table compactly: long tables show the
// first and last few physical ids around an ellipsis.
func FormatBlockTable(table []blockpool.BlockID) string {
	const edge = 4

	format := func(ids []blockpool.BlockID) string {
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = fmt.Sprintf("%d", id)
		}
		return strings.Join(parts, " ")
	}

	if len(table) <= 2*edge+1 {
		return "[" + format(table) + "]"
	}
	return fmt.Sprintf("[%s .. %s]", format(table[:edge]), format(table[len(table)-edge:]))
}
