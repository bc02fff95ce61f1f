package diff

import (
	"fmt"
	"io"
	"text/tabwriter"
)

var kindMarks = map[Kind]string{
	KindMatched:  " ",
	KindChanged:  "|",
	KindInserted: ">",
	KindDeleted:  "<",
}

// WriteText renders r as a side-by-side listing. With onlyEdits, matched
// rows are omitted.
func (r Result) WriteText(w io.Writer, onlyEdits bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	group := ""
	for _, row := range r.Rows {
		if onlyEdits && row.Kind == KindMatched {
			continue
		}
		if row.Group != group {
			group = row.Group
			fmt.Fprintf(tw, "%s:\t\t\t\t\n", group)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			offsetCol(row.Left), bytesCol(row.Left), kindMarks[row.Kind], offsetCol(row.Right), bytesCol(row.Right))
	}
	fmt.Fprintf(tw, "\nsimilarity %.2f%%  matched %d  changed %d  inserted %d  deleted %d\n",
		r.Similarity, r.Matched, r.Changed, r.Inserted, r.Deleted)
	return tw.Flush()
}

func offsetCol(u *Unit) string {
	if u == nil {
		return ""
	}
	return fmt.Sprintf("%6x", u.Offset)
}

func bytesCol(u *Unit) string {
	if u == nil {
		return ""
	}
	return u.Bytes.String()
}
