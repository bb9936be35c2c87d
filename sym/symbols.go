// Package sym defines the glyphs showrunner prints in logs and CLI output.
// They are stable across commands and log lines so operators can grep them.
package sym

// Operator glyphs, one per top-level command group.
const (
	AM = "≡" // am: configuration and system settings
	AT = "✦" // at: calendar slots and placement
	SO = "⟶" // so: recurring rules that trigger jobs
	IX = "⨳" // ix: production jobs
)

// System infrastructure symbols.
const (
	Pulse      = "꩜" // worker pool, executor, ticker events
	PulseOpen  = "✿" // graceful startup with orphaned job recovery
	PulseClose = "❀" // graceful shutdown with checkpoint preservation
	DB         = "⊔" // database/storage layer
)

// PaletteOrder is the order command groups appear in help output.
var PaletteOrder = []string{IX, AT, SO, AM}

// SymbolToCommand maps glyph strings to their CLI command group.
var SymbolToCommand = map[string]string{
	IX: "job",
	AT: "calendar",
	SO: "rule",
	AM: "am",
}

// CommandToSymbol maps CLI command groups to their glyph.
var CommandToSymbol = map[string]string{
	"job":      IX,
	"calendar": AT,
	"rule":     SO,
	"am":       AM,
}

// CommandDescriptions holds the short help line for each command group.
var CommandDescriptions = map[string]string{
	"job":      "Production jobs: schedule, inspect, cancel, pause, resume",
	"calendar": "Calendar slots: occupied placements and suggestions",
	"rule":     "Recurring rules that expand into jobs",
	"am":       "Configuration: show and validate",
}

// Prefixed returns the command's short description prefixed by its glyph.
func Prefixed(command string) string {
	glyph, ok := CommandToSymbol[command]
	if !ok {
		return CommandDescriptions[command]
	}
	return glyph + " " + CommandDescriptions[command]
}
