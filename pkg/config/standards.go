package config

import (
	"fmt"
	"strings"
)

// Standard describes one supported carbon reporting standard. The full form
// and description are expanded into the user instructions prompt.
type Standard struct {
	Code        string
	FullForm    string
	Description string
}

// standardCatalog is the closed set of reporting standards clients may name.
//
//nolint:gochecknoglobals // Static catalog.
var standardCatalog = map[string]Standard{
	"GHG": {
		Code:     "GHG",
		FullForm: "Greenhouse Gas Protocol",
		Description: "Corporate accounting and reporting standard covering Scope 1 (direct), " +
			"Scope 2 (purchased energy), and Scope 3 (value chain) emissions, with guidance on " +
			"organizational and operational boundaries, base-year recalculation, and verification.",
	},
	"ISO14064": {
		Code:     "ISO14064",
		FullForm: "ISO 14064-1:2018",
		Description: "International standard specifying principles and requirements for " +
			"quantification and reporting of greenhouse gas emissions and removals at the " +
			"organization level, including inventory design, data quality management, and assurance.",
	},
	"PAS2060": {
		Code:     "PAS2060",
		FullForm: "PAS 2060 Carbon Neutrality Specification",
		Description: "Specification for demonstrating carbon neutrality through quantification, " +
			"reduction, offsetting, and public declaration of an entity's greenhouse gas footprint.",
	},
	"TCFD": {
		Code:     "TCFD",
		FullForm: "Task Force on Climate-related Financial Disclosures",
		Description: "Disclosure framework structured around governance, strategy, risk management, " +
			"and metrics & targets for climate-related financial risk reporting.",
	},
}

// ResolveStandard expands a standard code into its "full form: description"
// prompt text. Unknown codes are configuration errors.
func ResolveStandard(code string) (string, error) {
	std, ok := standardCatalog[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return "", fmt.Errorf("unknown reporting standard: %q", code)
	}
	return fmt.Sprintf("%s: %s", std.FullForm, std.Description), nil
}

// StandardCodes returns the supported standard codes.
func StandardCodes() []string {
	codes := make([]string, 0, len(standardCatalog))
	for code := range standardCatalog {
		codes = append(codes, code)
	}
	return codes
}
