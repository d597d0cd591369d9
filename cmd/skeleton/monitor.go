package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/gorilla/websocket"

	"github.com/gwillem/skeleton/pkg/board"
	"github.com/gwillem/skeleton/pkg/servo"
	"github.com/gwillem/skeleton/pkg/share"
)

type MonitorCommand struct {
	Addr string `long:"addr" description:"Address of the running skeleton (default: httpAddr from the configuration)"`
}

const (
	chartHeight = 12
	borderSize  = 2 // chart border
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	positionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	targetStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
)

// Messages from the stream
type eventMsg share.Event
type streamErrMsg struct{ err error }

func waitForEvent(events <-chan share.Event, errs <-chan error) tea.Cmd {
	return func() tea.Msg {
		select {
		case ev := <-events:
			return eventMsg(ev)
		case err := <-errs:
			return streamErrMsg{err}
		}
	}
}

type monitorModel struct {
	addr     string
	events   <-chan share.Event
	errs     <-chan error
	servos   map[string]servo.Current
	boards   map[int]board.Info
	names    []string
	selected int
	chart    *streamlinechart.Model
	width    int
	err      error
	quitting bool
}

func newChart(width int) *streamlinechart.Model {
	if width == 0 {
		width = 80
	}
	chart := streamlinechart.New(width-borderSize-2, chartHeight, streamlinechart.WithYRange(0, 180))
	chart.SetDataSetStyles("position", runes.ThinLineStyle, positionStyle)
	chart.SetDataSetStyles("target", runes.ThinLineStyle, targetStyle)
	return &chart
}

func newMonitorModel(addr string, events <-chan share.Event, errs <-chan error) monitorModel {
	return monitorModel{
		addr:   addr,
		events: events,
		errs:   errs,
		servos: make(map[string]servo.Current),
		boards: make(map[int]board.Info),
		chart:  newChart(0),
	}
}

func (m monitorModel) Init() tea.Cmd {
	return waitForEvent(m.events, m.errs)
}

func (m monitorModel) selectedName() string {
	if m.selected < len(m.names) {
		return m.names[m.selected]
	}
	return ""
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.chart = newChart(m.width)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
				m.chart = newChart(m.width)
			}
		case "down", "j":
			if m.selected < len(m.names)-1 {
				m.selected++
				m.chart = newChart(m.width)
			}
		}
		return m, nil

	case eventMsg:
		switch msg.Kind {
		case share.KindBoard:
			if msg.Board != nil {
				m.boards[msg.Board.Index] = *msg.Board
			}
		case share.KindServo:
			if msg.State == nil {
				break
			}
			if _, ok := m.servos[msg.Servo]; !ok {
				current := m.selectedName()
				m.names = append(m.names, msg.Servo)
				sort.Strings(m.names)
				for i, name := range m.names {
					if name == current {
						m.selected = i
					}
				}
			}
			m.servos[msg.Servo] = *msg.State
			if msg.Servo == m.selectedName() {
				m.chart.PushDataSet("position", float64(msg.State.Position))
				m.chart.PushDataSet("target", float64(msg.State.TargetPosition))
				m.chart.DrawAll()
			}
		}
		return m, waitForEvent(m.events, m.errs)

	case streamErrMsg:
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m monitorModel) View() string {
	if m.err != nil {
		return fmt.Sprintf("Connection lost: %v\n", m.err)
	}
	if m.quitting {
		return "Monitor stopped.\n"
	}

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Skeleton Monitor"))
	sb.WriteString(statusStyle.Render("  " + m.addr))
	for i := range len(m.boards) {
		b := m.boards[i]
		state := "offline"
		if b.Connected {
			state = b.Port
		}
		sb.WriteString(statusStyle.Render(fmt.Sprintf("  %s: %s", b.Name, state)))
	}
	sb.WriteString("\n\n")

	sb.WriteString(m.servoTable())
	sb.WriteString("\n")

	if name := m.selectedName(); name != "" {
		sb.WriteString(titleStyle.Render(name))
		sb.WriteString("  ")
		sb.WriteString(positionStyle.Render("━━ position"))
		sb.WriteString("  ")
		sb.WriteString(targetStyle.Render("━━ target"))
		sb.WriteString("\n")
		sb.WriteString(chartStyle.Render(m.chart.View()))
		sb.WriteString("\n")
	}
	sb.WriteString(statusStyle.Render("↑/↓ select servo, q to quit"))
	sb.WriteString("\n")
	return sb.String()
}

func flag(on bool, s string) string {
	if on {
		return s
	}
	return ""
}

func (m monitorModel) servoTable() string {
	rows := make([][]string, 0, len(m.names))
	for _, name := range m.names {
		c := m.servos[name]
		flags := strings.Join(strings.Fields(strings.Join([]string{
			flag(c.Moving, "moving"),
			flag(c.Attached, "attached"),
			flag(c.Swiping, "swiping"),
			flag(c.InRequestList, "queued"),
		}, " ")), " ")
		rows = append(rows, []string{
			name,
			strconv.Itoa(c.Position),
			strconv.Itoa(c.TargetPosition),
			fmt.Sprintf("%.1f", c.Degrees),
			flags,
		})
	}
	selected := m.selected
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(statusStyle).
		Headers("Servo", "Position", "Target", "Degrees", "State").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			style := lipgloss.NewStyle().Padding(0, 1)
			switch {
			case row == table.HeaderRow:
				return style.Bold(true).Foreground(lipgloss.Color("12"))
			case row == selected:
				return style.Foreground(lipgloss.Color("11"))
			case col == 0:
				return style.Foreground(lipgloss.Color("14"))
			}
			return style
		}).
		Render()
}

// stream reads events from the websocket until it fails.
func stream(conn *websocket.Conn, events chan<- share.Event, errs chan<- error) {
	for {
		var ev share.Event
		if err := conn.ReadJSON(&ev); err != nil {
			errs <- err
			return
		}
		events <- ev
	}
}

func (c *MonitorCommand) Execute(args []string) error {
	addr, err := c.address()
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		return fmt.Errorf("connect to skeleton at %s: %w", addr, err)
	}
	defer conn.Close()

	events := make(chan share.Event, 64)
	errs := make(chan error, 1)
	go stream(conn, events, errs)

	p := tea.NewProgram(newMonitorModel(addr, events, errs), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func (c *MonitorCommand) address() (string, error) {
	if c.Addr != "" {
		return c.Addr, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.HTTPAddr, nil
}
