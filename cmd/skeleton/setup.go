package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/gwillem/skeleton/pkg/board"
	"github.com/gwillem/skeleton/pkg/skeleton"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type SetupCommand struct {
	Baud int `long:"baud" default:"115200" description:"Serial baud rate of the boards"`
}

func (c *SetupCommand) Execute(args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	fmt.Println(headerStyle.Render("Skeleton Setup"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━"))
	fmt.Println()
	fmt.Println("Scanning serial ports for skeleton boards...")
	fmt.Println()

	found, err := board.Discover(context.Background(), c.Baud, logger.Named("board"))
	if err != nil {
		return err
	}
	for _, f := range found {
		f.Conn.Close()
	}
	if len(found) == 0 {
		fmt.Println("No skeleton boards found.")
		fmt.Println("Make sure the boards are connected and powered on.")
		os.Exit(1)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ports := make([]string, skeleton.Boards)
	for _, f := range found {
		ports[f.Index] = f.Port
	}
	fmt.Println(subHeaderStyle.Render("Boards found"))
	fmt.Println(boardTable(ports))
	fmt.Println()

	for i, port := range ports {
		if port == "" {
			fmt.Println(warnStyle.Render(fmt.Sprintf("Board S%d not found, it will be searched for at every start.", i)))
		}
	}

	var save bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Save these ports to %s?", opts.Config)).
				Affirmative("Save").
				Negative("Cancel").
				Value(&save),
		),
	)
	if err := form.Run(); err != nil || !save {
		fmt.Println()
		return nil
	}

	for i, port := range ports {
		cfg.Boards[i].Port = port
		cfg.Boards[i].Baud = c.Baud
	}
	if err := cfg.SaveTo(opts.Config); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println(successStyle.Render("Setup complete!"))
	fmt.Printf("Configuration saved to %s\n", opts.Config)
	fmt.Println()
	fmt.Println("Start the skeleton with: " + headerStyle.Render("skeleton run"))
	return nil
}

func boardTable(ports []string) string {
	rows := make([][]string, 0, len(ports))
	for i, port := range ports {
		status := "found"
		if port == "" {
			port, status = "-", "missing"
		}
		rows = append(rows, []string{"S" + strconv.Itoa(i), port, status})
	}
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Board", "Port", "Status").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			style := lipgloss.NewStyle().Padding(0, 1)
			switch {
			case row == table.HeaderRow:
				return style.Bold(true).Foreground(lipgloss.Color("12"))
			case col == 2 && rows[row][2] == "missing":
				return style.Foreground(lipgloss.Color("9"))
			case col == 2:
				return style.Foreground(lipgloss.Color("10"))
			}
			return style
		}).
		Render()
}
