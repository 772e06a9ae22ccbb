package instrumentdb

// hamiltonStateLabels translates the vendor's numeric RunState codes
// to the labels the rest of the scheduler reasons about (spec.md
// §6.3: "2→Running, 3→Complete, 64→Aborted, …→Error"). The table is
// representative, not exhaustive; an unmapped code is returned as its
// raw string form by translateState.
var hamiltonStateLabels = map[string]string{
	"1":  "Queued",
	"2":  "Running",
	"3":  "Complete",
	"64": "Aborted",
	"65": "Error",
}

// translateState maps a raw RunState column value to its label,
// passing through unknown codes unchanged.
func translateState(raw string) string {
	if label, ok := hamiltonStateLabels[raw]; ok {
		return label
	}
	return raw
}
