package model

// ClaimType classifies the kind of atomic assertion a Claim makes.
type ClaimType string

const (
	ClaimFact       ClaimType = "fact"
	ClaimPolicy     ClaimType = "policy"
	ClaimNumeric    ClaimType = "numeric"
	ClaimDefinition ClaimType = "definition"
	ClaimScientific ClaimType = "scientific"
	ClaimHistorical ClaimType = "historical"
	ClaimLegal      ClaimType = "legal"
)

// ValidClaimTypes lists the canonical set; anything else coerces to ClaimFact.
var ValidClaimTypes = map[ClaimType]bool{
	ClaimFact: true, ClaimPolicy: true, ClaimNumeric: true,
	ClaimDefinition: true, ClaimScientific: true, ClaimHistorical: true, ClaimLegal: true,
}

// ClaimImportance ranks how much a claim matters to evidence coverage.
type ClaimImportance string

const (
	ImportanceCritical ClaimImportance = "critical"
	ImportanceMaterial ClaimImportance = "material"
	ImportanceMinor    ClaimImportance = "minor"
)

// ValidImportances lists the canonical set; anything else coerces to ImportanceMaterial.
var ValidImportances = map[ClaimImportance]bool{
	ImportanceCritical: true, ImportanceMaterial: true, ImportanceMinor: true,
}

// Claim is one atomic factual assertion extracted by the Judge.
type Claim struct {
	ClaimID          string          `json:"claimId"`
	SessionID        string          `json:"sessionId"`
	ClaimText        string          `json:"claimText"`
	ClaimType        ClaimType       `json:"claimType"`
	Importance       ClaimImportance `json:"importance"`
	RequiresCitation bool            `json:"requiresCitation"`
	RevisionCycle    int             `json:"revisionCycle"`
}
