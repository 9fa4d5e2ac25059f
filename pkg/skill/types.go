package skill

// Type represents the functional category of a skill.
type Type string

const (
	// TypeAssistant skills produce user facing assistant output such as briefings.
	TypeAssistant Type = "assistant"
	// TypeUtility skills provide supporting functionality for other skills.
	TypeUtility Type = "utility"
)

// Capability expresses optional features a skill may request access to.
type Capability string

const (
	CapabilityNetwork    Capability = "network"
	CapabilityFilesystem Capability = "filesystem"
	CapabilityContacts   Capability = "contacts"
)

// Info contains descriptive metadata for a skill implementation.
type Info struct {
	ID           string
	Name         string
	Description  string
	Author       string
	Version      string
	Category     Type
	Capabilities []Capability
}

// State represents the lifecycle position of a skill instance.
type State string

const (
	StateRegistered  State = "registered"
	StateInitialised State = "initialised"
	StateStarted     State = "started"
	StateStopped     State = "stopped"
)
