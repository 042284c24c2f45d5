package ui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Banner prints the session summary once the tunnel is open.
func Banner(url, tunnelID, localAddr string) {
	NewTable("", "").
		WithTitle("Tunnel online").
		AddRow(mutedStyle.Render("Forwarding"), urlStyle.Render(url)).
		AddRow(mutedStyle.Render("Tunnel ID"), tunnelID).
		AddRow(mutedStyle.Render("Local"), "http://"+localAddr).
		Print()
	fmt.Println(mutedStyle.Render("Press Ctrl+C to stop"))
}

// RequestLine prints one forwarded request.
func RequestLine(method, path string, status int, elapsed time.Duration) {
	fmt.Printf("%s %s %-7s %s %s\n",
		mutedStyle.Render(time.Now().Format("15:04:05")),
		statusStyle(status).Render(fmt.Sprintf("%d", status)),
		method,
		path,
		mutedStyle.Render(elapsed.Round(time.Millisecond).String()),
	)
}

// Reconnecting prints a transient connectivity notice.
func Reconnecting(err error) {
	if err != nil {
		fmt.Println(warnStyle.Render("Connection lost, reconnecting..."), mutedStyle.Render(err.Error()))
		return
	}
	fmt.Println(warnStyle.Render("Reconnecting..."))
}

// Errorf prints a fatal error line.
func Errorf(format string, args ...any) {
	fmt.Println(errorStyle.Render("Error:"), fmt.Sprintf(format, args...))
}

func statusStyle(status int) lipgloss.Style {
	switch {
	case status >= 500:
		return errorStyle
	case status >= 400:
		return warnStyle
	default:
		return successStyle
	}
}
