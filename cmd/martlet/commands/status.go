package commands

import (
	"fmt"
	"io"
	"strings"

	"martlet/internal/refresh"
	"martlet/internal/scrapers/minerva"
	"martlet/internal/store"
)

func statusMessage(status minerva.ConnectionStatus) string {
	switch status {
	case minerva.StatusOK:
		return "Up to date."
	case minerva.StatusNoInternet:
		return "Could not reach Minerva, check your connection."
	case minerva.StatusWrongCredentials:
		return "Minerva rejected your username or password."
	case minerva.StatusParseError:
		return "Minerva sent a page martlet does not understand."
	default:
		return "Something went wrong talking to Minerva."
	}
}

// printResult writes the status line of a refresh followed by details useful
// when it failed.
func printResult(w io.Writer, result refresh.Result) {
	fmt.Fprintf(w, "[%s] %s\n", result.Status, statusMessage(result.Status))
	if result.Status != minerva.StatusOK {
		if result.Kind != "" {
			fmt.Fprintf(w, "  while refreshing: %s\n", result.Kind)
		}
		if result.Extractor != "" {
			fmt.Fprintf(w, "  extractor: %s\n", result.Extractor)
		}
		if result.Err != nil {
			fmt.Fprintf(w, "  error: %v\n", result.Err)
		}
	}

	var skipped []string
	for _, kind := range refresh.Order {
		if n := result.Skipped[kind]; n > 0 {
			skipped = append(skipped, fmt.Sprintf("%s: %d", kind, n))
		}
	}
	if len(skipped) > 0 {
		fmt.Fprintf(w, "  skipped rows (%s)\n", strings.Join(skipped, ", "))
	}
}

// parseKinds maps command line names to kinds, no names means every kind.
func parseKinds(names []string) ([]store.Kind, error) {
	if len(names) == 0 {
		return nil, nil
	}
	var kinds []store.Kind
	for _, name := range names {
		found := false
		for _, kind := range refresh.Order {
			if string(kind) == name {
				kinds = append(kinds, kind)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %q", store.ErrUnknownKind, name)
		}
	}
	return kinds, nil
}
