package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/gwillem/skeleton/pkg/feedback"
)

type TraceCommand struct {
	List    TraceListCommand    `command:"list" description:"List recorded traces"`
	Analyze TraceAnalyzeCommand `command:"analyze" description:"Show tracking statistics of a trace"`
	Plot    TracePlotCommand    `command:"plot" description:"Plot a trace to a PNG file"`
}

type TraceListCommand struct {
	Servo string `long:"servo" description:"Only list traces of this servo"`
}

type TraceAnalyzeCommand struct {
	Args struct {
		ID int `positional-arg-name:"id" required:"yes"`
	} `positional-args:"yes"`
}

type TracePlotCommand struct {
	Out  string `short:"o" long:"out" description:"Output file (default: trace-<id>.png)"`
	Args struct {
		ID int `positional-arg-name:"id" required:"yes"`
	} `positional-args:"yes"`
}

func openTraces() (*feedback.StormStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return feedback.OpenStormStore(cfg.TraceDB)
}

func (c *TraceListCommand) Execute(args []string) error {
	store, err := openTraces()
	if err != nil {
		return err
	}
	defer store.Close()

	traces, err := store.List(c.Servo)
	if err != nil {
		return err
	}
	if len(traces) == 0 {
		fmt.Println(dimStyle.Render("No traces recorded."))
		return nil
	}
	rows := make([][]string, 0, len(traces))
	for _, tr := range traces {
		rows = append(rows, []string{
			strconv.Itoa(tr.ID),
			tr.Servo,
			tr.Recorded.Format(time.DateTime),
			fmt.Sprintf("%d → %d", tr.From, tr.To),
			fmt.Sprintf("%.2f", tr.SpeedRate),
			strconv.Itoa(len(tr.Samples)),
		})
	}
	fmt.Println(table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("ID", "Servo", "Recorded", "Move", "Speed", "Samples").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			style := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return style.Bold(true).Foreground(lipgloss.Color("12"))
			}
			return style
		}).
		Render())
	return nil
}

func (c *TraceAnalyzeCommand) Execute(args []string) error {
	store, err := openTraces()
	if err != nil {
		return err
	}
	defer store.Close()

	tr, err := store.Get(c.Args.ID)
	if err != nil {
		return err
	}
	r, err := feedback.Analyze(tr)
	if err != nil {
		return err
	}
	fmt.Println(headerStyle.Render(fmt.Sprintf("Trace %d: %s %d → %d", tr.ID, tr.Servo, tr.From, tr.To)))
	fmt.Printf("  samples      %d\n", r.Samples)
	fmt.Printf("  mean error   %.2f ± %.2f\n", r.MeanError, r.StdDevError)
	fmt.Printf("  rms error    %.2f\n", r.RMSError)
	fmt.Printf("  max error    %.0f\n", r.MaxError)
	fmt.Printf("  overshoot    %d\n", r.Overshoot)
	if r.SettleMs >= 0 {
		fmt.Printf("  settled      %d ms\n", r.SettleMs)
	} else {
		fmt.Println("  settled      " + warnStyle.Render("never"))
	}
	return nil
}

func (c *TracePlotCommand) Execute(args []string) error {
	store, err := openTraces()
	if err != nil {
		return err
	}
	defer store.Close()

	tr, err := store.Get(c.Args.ID)
	if err != nil {
		return err
	}
	out := c.Out
	if out == "" {
		out = fmt.Sprintf("trace-%d.png", tr.ID)
	}
	if err := feedback.Plot(tr, out); err != nil {
		return err
	}
	fmt.Println(successStyle.Render("Plot written to " + out))
	return nil
}
