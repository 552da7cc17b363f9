package common

import (
	"fmt"
	"strings"

	"settlement-engine-go/internal/models"

	"github.com/shopspring/decimal"
)

const (
	// Default separator widths
	DefaultWidth = 80
	WideWidth    = 100
)

// PrintSeparator prints a separator line with the specified character and width
func PrintSeparator(char string, width int) {
	fmt.Println(strings.Repeat(char, width))
}

// PrintSeparatorNewline prints a separator with a newline before it
func PrintSeparatorNewline(char string, width int) {
	fmt.Println("\n" + strings.Repeat(char, width))
}

// PrintHeader prints a formatted header with title and separators
func PrintHeader(title string, width int) {
	PrintSeparatorNewline("=", width)
	fmt.Println(title)
	PrintSeparator("=", width)
}

// PrintFooter prints a formatted footer with message and separators
func PrintFooter(message string, width int) {
	PrintSeparatorNewline("=", width)
	fmt.Println(message)
	fmt.Println(strings.Repeat("=", width) + "\n")
}

// PrintBoxSeparator prints a box-drawing separator line (for sub-sections)
func PrintBoxSeparator(width int) {
	fmt.Println("├" + strings.Repeat("─", width))
}

// BoxPrefix returns the appropriate box-drawing prefix for list items
func BoxPrefix(isLast bool) string {
	if isLast {
		return "└  "
	}
	return "│  "
}

// BoxDetailPrefix returns the prefix for detail lines under list items
func BoxDetailPrefix(isLast bool) string {
	if isLast {
		return "   "
	}
	return "│  "
}

// FormatAmount renders an amount at ledger scale, e.g. "12.50000000".
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(models.Scale)
}

// PrintUserBox prints the opening lines of a per-user section.
func PrintUserBox(user UserInfo, width int) {
	fmt.Printf("\n┌─ User: %s (%s)\n", user.Name, user.Email)
	fmt.Printf("│  ID: %s\n", user.Id)
	if user.Halted {
		fmt.Printf("│  HALTED: %s\n", user.HaltReason)
	}
	if user.Flagged {
		fmt.Printf("│  Flagged for review: %s\n", user.FlagReason)
	}
	PrintBoxSeparator(width)
}

// PrintBalances prints one line per bucket plus the total.
func PrintBalances(balances *models.Balances) {
	total := decimal.Zero
	for _, bucket := range models.Buckets {
		amount := balances.Of(bucket)
		total = total.Add(amount)
		fmt.Printf("%s %-10s %20s\n", BoxPrefix(false), bucket, FormatAmount(amount))
	}
	fmt.Printf("%s %-10s %20s\n", BoxPrefix(true), "total", FormatAmount(total))
}
