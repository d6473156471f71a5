package theme

import (
	"fmt"
)

// Banner returns the startup banner printed before interactive commands.
func Banner() string {
	const cyan = "\033[36m"
	const red = "\033[31m"
	const reset = "\033[0m"

	art := "" +
		cyan + "  ╳╳╳  " + red + "XBLOCK" + reset + cyan + "  ╳╳╳\n" + reset +
		"  bulk account blocking against a rate-limited upstream\n"

	return art
}

// PrintBanner prints the banner to stdout.
func PrintBanner() {
	fmt.Print(Banner())
}
