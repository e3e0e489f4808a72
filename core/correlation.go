package core

// CorrelationType identifies one of the built-in multi-event patterns
type CorrelationType string

const (
	// CorrelationProcessNetwork is a fresh, unsigned or suspicious process
	// connecting out shortly after it started
	CorrelationProcessNetwork CorrelationType = "process_network"
	// CorrelationConnectionBurst is a process opening many connections in a window
	CorrelationConnectionBurst CorrelationType = "connection_burst"
	// CorrelationDeepChain is a process created unusually deep in its ancestry
	CorrelationDeepChain CorrelationType = "deep_chain"
	// CorrelationRegistryPersistence is a new process writing an autorun key
	CorrelationRegistryPersistence CorrelationType = "registry_persistence"
)

// CorrelationDescriptor carries the alert metadata for a correlation pattern
type CorrelationDescriptor struct {
	ID                string          `json:"id"`
	Type              CorrelationType `json:"type"`
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	Severity          Severity        `json:"severity"`
	MitreTactics      []string        `json:"mitre_tactics"`
	MitreTechniques   []string        `json:"mitre_techniques"`
	RecommendedAction string          `json:"recommended_action"`
}

// CorrelationCatalogue lists the patterns in evaluation order
var CorrelationCatalogue = []CorrelationDescriptor{
	{
		ID:                "CORR-0001",
		Type:              CorrelationProcessNetwork,
		Name:              "New process made an early network connection",
		Description:       "A process that is unsigned or has a commonly abused image name connected out within seconds of starting",
		Severity:          SeverityHigh,
		MitreTactics:      []string{"command-and-control", "execution"},
		MitreTechniques:   []string{"T1071", "T1059"},
		RecommendedAction: "Block the remote address and terminate the process",
	},
	{
		ID:                "CORR-0002",
		Type:              CorrelationConnectionBurst,
		Name:              "Connection burst from a single process",
		Description:       "A process opened an unusual number of connections in a short window",
		Severity:          SeverityMedium,
		MitreTactics:      []string{"discovery", "command-and-control"},
		MitreTechniques:   []string{"T1046"},
		RecommendedAction: "Review the destinations contacted by the process",
	},
	{
		ID:                "CORR-0003",
		Type:              CorrelationDeepChain,
		Name:              "Deep process chain",
		Description:       "A process was created at an unusual depth in its ancestry",
		Severity:          SeverityHigh,
		MitreTactics:      []string{"execution", "defense-evasion"},
		MitreTechniques:   []string{"T1059"},
		RecommendedAction: "Inspect the full process chain for staged execution",
	},
	{
		ID:                "CORR-0004",
		Type:              CorrelationRegistryPersistence,
		Name:              "New process wrote an autorun registry key",
		Description:       "A recently started process created or modified a Run key",
		Severity:          SeverityHigh,
		MitreTactics:      []string{"persistence"},
		MitreTechniques:   []string{"T1547.001"},
		RecommendedAction: "Remove the autorun value and quarantine the referenced binary",
	},
}

// Descriptor returns the catalogue entry for a pattern type
func Descriptor(t CorrelationType) (CorrelationDescriptor, bool) {
	for _, d := range CorrelationCatalogue {
		if d.Type == t {
			return d, true
		}
	}
	return CorrelationDescriptor{}, false
}

// DescriptorByID returns the catalogue entry with the given rule ID
func DescriptorByID(id string) (CorrelationDescriptor, bool) {
	for _, d := range CorrelationCatalogue {
		if d.ID == id {
			return d, true
		}
	}
	return CorrelationDescriptor{}, false
}
