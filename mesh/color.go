package mesh

import (
	"github.com/fatih/color"
)

// Cyan, Green, Magenta, Yellow, and Red wrap a string for terminal
// output; cmd/meshd uses these for status banners and for signal/error
// lines SetupLogging's own formatter doesn't reach (anything printed
// straight to stdout/stderr rather than through the logger).

func Cyan(s string) string {
	c := color.New(color.FgHiCyan)
	c.EnableColor()
	return c.SprintFunc()(s)
}

func Green(s string) string {
	c := color.New(color.FgHiGreen)
	c.EnableColor()
	return c.SprintFunc()(s)
}

func Magenta(s string) string {
	c := color.New(color.FgHiMagenta)
	c.EnableColor()
	return c.SprintFunc()(s)
}

func Yellow(s string) string {
	c := color.New(color.FgHiYellow)
	c.EnableColor()
	return c.SprintFunc()(s)
}

func Red(s string) string {
	c := color.New(color.FgHiRed)
	c.EnableColor()
	return c.SprintFunc()(s)
}
