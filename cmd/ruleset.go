package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"grimm.is/appwall/internal/ruleset"
)

// RunRuleset prints the rule catalog in precedence order.
func RunRuleset(asJSON bool) error {
	rules := ruleset.All()
	if asJSON {
		enc := json.NewEncoder(Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rules)
	}

	w := tabwriter.NewWriter(Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tID\tACTION\tGROUNDED\tTITLE")
	for _, r := range rules {
		fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\n", r.Precedence, r.ID, r.Action, r.Grounded, r.Title)
	}
	return w.Flush()
}
