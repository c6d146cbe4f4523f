package payload

import "golang.org/x/text/width"

// normalizePrompt folds fullwidth digits and punctuation (e.g. "３张",
// commonly typed on CJK IMEs) down to their halfwidth ASCII equivalents
// so multiImageTokenPattern and ExtractCountToken see a consistent form
// regardless of which width the caller typed.
func normalizePrompt(prompt string) string {
	return width.Fold.String(prompt)
}
