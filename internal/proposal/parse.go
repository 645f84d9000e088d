package proposal

import (
	"encoding/json"
	"fmt"
	"strings"
)

// scoutResponse is the JSON schema the scout agent must return (spec.md
// §6 "Proposal JSON schema required from scout agent").
type scoutResponse struct {
	Proposals []scoutProposal `json:"proposals"`
}

type scoutProposal struct {
	Category             string   `json:"category"`
	Title                string   `json:"title"`
	Description          string   `json:"description"`
	AcceptanceCriteria   []string `json:"acceptance_criteria"`
	VerificationCommands []string `json:"verification_commands"`
	AllowedPaths         []string `json:"allowed_paths"`
	Files                []string `json:"files"`
	Confidence           float64  `json:"confidence"`
	ImpactScore          int      `json:"impact_score"`
	Rationale            string   `json:"rationale"`
	EstimatedComplexity  string   `json:"estimated_complexity"`
	Risk                 string   `json:"risk"`
	TouchedFilesEstimate int      `json:"touched_files_estimate"`
	RollbackNote         string   `json:"rollback_note"`
}

var validCategories = map[string]bool{
	"refactor": true, "docs": true, "test": true, "perf": true,
	"security": true, "fix": true, "cleanup": true, "types": true,
}

var validComplexities = map[string]bool{
	"": true, "trivial": true, "simple": true, "moderate": true, "complex": true,
}

// ParseScoutResponse decodes and validates the scout agent's raw JSON.
// Individual malformed proposals are skipped rather than failing the whole
// batch (spec.md §9: "Validation failure is an ordinary error; it never
// terminates the session"); the skipped titles are returned for
// diagnostics.
func ParseScoutResponse(raw string) (proposals []Proposal, skipped []string, err error) {
	var resp scoutResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, nil, fmt.Errorf("parse scout response: %w", err)
	}
	for _, sp := range resp.Proposals {
		if reason := validateScoutProposal(sp); reason != "" {
			skipped = append(skipped, fmt.Sprintf("%s (%s)", sp.Title, reason))
			continue
		}
		proposals = append(proposals, Proposal{
			Title:                sp.Title,
			Description:          sp.Description,
			Category:             strings.ToLower(sp.Category),
			Files:                sp.Files,
			AllowedPaths:         sp.AllowedPaths,
			AcceptanceCriteria:   sp.AcceptanceCriteria,
			VerificationCommands: sp.VerificationCommands,
			ImpactScore:          sp.ImpactScore,
			Confidence:           sp.Confidence,
			Rationale:            sp.Rationale,
			Complexity:           strings.ToLower(sp.EstimatedComplexity),
			Risk:                 sp.Risk,
			TouchedFilesEstimate: sp.TouchedFilesEstimate,
			RollbackNote:         sp.RollbackNote,
		})
	}
	return proposals, skipped, nil
}

func validateScoutProposal(sp scoutProposal) string {
	if strings.TrimSpace(sp.Title) == "" {
		return "empty title"
	}
	if !validCategories[strings.ToLower(sp.Category)] {
		return "unknown category " + sp.Category
	}
	if len(sp.Files) == 0 {
		return "no files"
	}
	if sp.Confidence < 0 || sp.Confidence > 100 {
		return "confidence out of range"
	}
	if sp.ImpactScore < 1 || sp.ImpactScore > 10 {
		return "impact score out of range"
	}
	if !validComplexities[strings.ToLower(sp.EstimatedComplexity)] {
		return "unknown complexity " + sp.EstimatedComplexity
	}
	return ""
}
