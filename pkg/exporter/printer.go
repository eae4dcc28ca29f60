package exporter

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"zgdrive/pkg/backup"
	"zgdrive/pkg/core"
	"zgdrive/pkg/download"
	"zgdrive/pkg/namespace"
)

// PrintEntries 以 ls 风格打印一个目录
func PrintEntries(w io.Writer, entries []namespace.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "TYPE\tID\tSIZE\tSTATUS\tHASH\tNAME\n")
	for _, e := range entries {
		size, status, hash := "-", "-", "-"
		if !e.IsFolder() {
			size = fmtSize(e.Size)
			status = string(e.UploadStatus)
			hash = e.ContentHash.Short()
		}
		name := e.Name
		if e.IsFolder() {
			name += "/"
		}
		if e.SharedBy != "" {
			name += fmt.Sprintf("  (shared by %s)", shortAddr(e.SharedBy.String()))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", e.Type, shortID(e.ID), size, status, hash, name)
	}
	return tw.Flush()
}

// PrintSnapshot 打印备份快照的头信息和条目
func PrintSnapshot(w io.Writer, s *core.Snapshot) error {
	fmt.Fprintf(w, "Snapshot: %s\n", s.ID())
	fmt.Fprintf(w, "Owner:    %s\n", s.Owner)
	fmt.Fprintf(w, "Time:     %s\n", time.Unix(s.Timestamp, 0).Format(time.RFC3339))
	for _, p := range s.Parents {
		fmt.Fprintf(w, "Parent:   %s\n", p.Hash)
	}
	fmt.Fprintf(w, "Entries:  %d\n\n", len(s.Entries))

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "TYPE\tID\tPARENT\tSIZE\tNAME\n")
	for _, e := range s.Entries {
		parent := "-"
		if e.ParentID != "" {
			parent = shortID(e.ParentID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Type, shortID(e.ID), parent, fmtSize(e.Size), e.Name)
	}
	return tw.Flush()
}

// PrintHistory 打印备份链
func PrintHistory(w io.Writer, items []backup.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "SNAPSHOT\tENTRIES\tTIME\n")
	for _, s := range items {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", s.Snapshot, s.Entries, s.Timestamp.Format(time.RFC3339))
	}
	return tw.Flush()
}

// PrintReport 打印下载过程 (--verbose)
func PrintReport(w io.Writer, rep *download.Report) error {
	if rep == nil {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "STRATEGY\t#\tSTATUS\tCLASS\tTIME\tERROR\n")
	for _, a := range rep.Attempts {
		status := "-"
		if a.Status != 0 {
			status = fmt.Sprint(a.Status)
		}
		class := string(a.Class)
		if class == "" {
			class = "ok"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			a.Strategy, a.Number, status, class, a.Duration.Round(time.Millisecond), a.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, t := range rep.Transitions {
		fmt.Fprintf(w, "  %s -> %s", t.From, t.To)
		if t.Strategy != "" {
			fmt.Fprintf(w, " [%s #%d]", t.Strategy, t.Attempt)
		}
		if t.Note != "" {
			fmt.Fprintf(w, " %s", t.Note)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func shortAddr(a string) string {
	if len(a) <= 12 {
		return a
	}
	return a[:6] + "..." + a[len(a)-4:]
}

func fmtSize(s int64) string {
	switch {
	case s < 1024:
		return fmt.Sprintf("%dB", s)
	case s < 1024*1024:
		return fmt.Sprintf("%.1fKB", float64(s)/1024)
	case s < 1024*1024*1024:
		return fmt.Sprintf("%.2fMB", float64(s)/1024/1024)
	}
	return fmt.Sprintf("%.2fGB", float64(s)/1024/1024/1024)
}
