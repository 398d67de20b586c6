package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"martlet/internal/appstate"
	"martlet/internal/scrapers/minerva"
	"martlet/internal/store"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

const dateLayout = "2006-01-02"

func init() {
	showCmd.AddCommand(showScheduleCmd)
	showCmd.AddCommand(showTranscriptCmd)
	showCmd.AddCommand(showEbillCmd)
	showCmd.AddCommand(showTermsCmd)
	rootCmd.AddCommand(showCmd)
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Prints the locally stored snapshots.",
}

func newTable(w io.Writer, header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(header)
	t.SetStyle(table.StyleRounded)
	return t
}

func printSavedAt(ctx context.Context, a *app, kind store.Kind) {
	savedAt, ok := a.store.SavedAt(ctx, kind)
	if !ok {
		return
	}
	fmt.Printf("Last updated %s\n", savedAt.In(a.clock.Location()).Format(time.DateTime))
}

func renderSchedule(w io.Writer, schedule appstate.Schedule) {
	fmt.Fprintf(w, "%s\n", schedule.Term)
	t := newTable(w, table.Row{"CRN", "Course", "Section", "Type", "Title", "Days", "Time", "Location", "Instructor", "Dates"})
	for _, s := range schedule.Sessions {
		dates := ""
		if !s.StartDate.IsZero() {
			dates = fmt.Sprintf("%s - %s", s.StartDate.Format(dateLayout), s.EndDate.Format(dateLayout))
		}
		slot := fmt.Sprintf("%s - %s", s.StartTime, s.EndTime)
		if s.TBA {
			slot = "TBA"
		}
		t.AppendRow(table.Row{
			s.CRN,
			s.Code,
			s.Section,
			s.SectionType,
			s.Title,
			s.Days.String(),
			slot,
			s.Location,
			s.Instructor,
			dates,
		})
	}
	t.Render()
}

func renderTranscript(w io.Writer, transcript minerva.Transcript) {
	t := newTable(w, table.Row{"Term", "Course", "Section", "Title", "Credits", "Grade", "Class Avg"})
	for _, e := range transcript.Entries {
		t.AppendRow(table.Row{e.Term, e.Code, e.Section, e.Title, e.Credits, e.Grade, e.ClassAverage})
	}
	t.AppendFooter(table.Row{"", "", "", "CGPA", fmt.Sprintf("%.2f", transcript.CGPA), "", ""})
	t.AppendFooter(table.Row{"", "", "", "Total credits", transcript.TotalCredits, "", ""})
	t.Render()
}

func renderEbill(w io.Writer, statements []minerva.Statement) {
	t := newTable(w, table.Row{"Statement", "Due", "Amount"})
	for _, s := range statements {
		t.AppendRow(table.Row{
			s.StatementDate.Format(dateLayout),
			s.DueDate.Format(dateLayout),
			minerva.FormatCents(s.AmountCents),
		})
	}
	t.Render()
}

func renderTerms(w io.Writer, terms []minerva.Term, current minerva.Term) {
	t := newTable(w, table.Row{"Term", "Code", ""})
	for _, term := range terms {
		marker := ""
		if term == current {
			marker = "current"
		}
		t.AppendRow(table.Row{term, term.Code(), marker})
	}
	t.Render()
}

func noSnapshot(kind store.Kind) {
	fmt.Fprintf(os.Stderr, "No %s stored yet, run `martlet refresh %s`.\n", kind, kind)
	os.Exit(1)
}

var showScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Prints the course schedule of the selected term.",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp(cmd)
		defer a.Close()

		schedule, ok := a.state.Schedule()
		if !ok {
			noSnapshot(store.KindSchedule)
		}
		printSavedAt(cmd.Context(), a, store.KindSchedule)
		renderSchedule(os.Stdout, schedule)
	},
}

var showTranscriptCmd = &cobra.Command{
	Use:   "transcript",
	Short: "Prints the unofficial transcript.",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp(cmd)
		defer a.Close()

		transcript, ok := a.state.Transcript()
		if !ok {
			noSnapshot(store.KindTranscript)
		}
		printSavedAt(cmd.Context(), a, store.KindTranscript)
		renderTranscript(os.Stdout, transcript)
	},
}

var showEbillCmd = &cobra.Command{
	Use:   "ebill",
	Short: "Prints the e-bill statements.",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp(cmd)
		defer a.Close()

		statements := a.state.Ebill()
		if statements == nil {
			noSnapshot(store.KindEbill)
		}
		printSavedAt(cmd.Context(), a, store.KindEbill)
		renderEbill(os.Stdout, statements)
	},
}

var showTermsCmd = &cobra.Command{
	Use:   "terms",
	Short: "Prints the terms open for registration.",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp(cmd)
		defer a.Close()

		terms := a.state.RegisterTerms()
		if terms == nil {
			noSnapshot(store.KindRegisterTerms)
		}
		printSavedAt(cmd.Context(), a, store.KindRegisterTerms)
		renderTerms(os.Stdout, terms, a.account.ScheduleTerm())
	},
}
