package pipeline

import "strings"

// HighRiskListVersion identifies the revision of the frozen country list
// below. It is persisted with every analysis so results stay auditable after
// the list changes.
const HighRiskListVersion = "2025-02"

// highRiskCountries enumerates the 58 jurisdictions treated as elevated
// laundering risk: FATF grey and black lists, comprehensively sanctioned
// states, and high-corruption or secrecy-haven jurisdictions. ISO 3166-1
// alpha-2 codes.
var highRiskCountries = map[string]struct{}{
	"AF": {}, // Afghanistan
	"AL": {}, // Albania
	"AO": {}, // Angola
	"BB": {}, // Barbados
	"BF": {}, // Burkina Faso
	"BI": {}, // Burundi
	"BY": {}, // Belarus
	"CD": {}, // Congo, Democratic Republic
	"CF": {}, // Central African Republic
	"CG": {}, // Congo, Republic
	"CI": {}, // Cote d'Ivoire
	"CM": {}, // Cameroon
	"CU": {}, // Cuba
	"DZ": {}, // Algeria
	"ER": {}, // Eritrea
	"ET": {}, // Ethiopia
	"GN": {}, // Guinea
	"GW": {}, // Guinea-Bissau
	"GY": {}, // Guyana
	"HT": {}, // Haiti
	"IQ": {}, // Iraq
	"IR": {}, // Iran
	"JM": {}, // Jamaica
	"JO": {}, // Jordan
	"KE": {}, // Kenya
	"KH": {}, // Cambodia
	"KP": {}, // North Korea
	"LA": {}, // Laos
	"LB": {}, // Lebanon
	"LR": {}, // Liberia
	"LY": {}, // Libya
	"ML": {}, // Mali
	"MM": {}, // Myanmar
	"MZ": {}, // Mozambique
	"NE": {}, // Niger
	"NG": {}, // Nigeria
	"NI": {}, // Nicaragua
	"PA": {}, // Panama
	"PH": {}, // Philippines
	"PK": {}, // Pakistan
	"RU": {}, // Russia
	"SD": {}, // Sudan
	"SL": {}, // Sierra Leone
	"SN": {}, // Senegal
	"SO": {}, // Somalia
	"SS": {}, // South Sudan
	"SY": {}, // Syria
	"TD": {}, // Chad
	"TJ": {}, // Tajikistan
	"TM": {}, // Turkmenistan
	"TR": {}, // Turkey
	"TZ": {}, // Tanzania
	"UG": {}, // Uganda
	"VE": {}, // Venezuela
	"VN": {}, // Vietnam
	"VU": {}, // Vanuatu
	"YE": {}, // Yemen
	"ZW": {}, // Zimbabwe
}

// HighRiskSet answers jurisdiction membership checks during feature
// extraction and context building.
type HighRiskSet struct {
	codes   map[string]struct{}
	version string
}

// NewHighRiskSet returns the frozen list, or a wholesale replacement when
// override is non-empty. Overrides are tagged so persisted analyses never
// claim the stock version.
func NewHighRiskSet(override []string) *HighRiskSet {
	if len(override) == 0 {
		return &HighRiskSet{codes: highRiskCountries, version: HighRiskListVersion}
	}
	codes := make(map[string]struct{}, len(override))
	for _, c := range override {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c != "" {
			codes[c] = struct{}{}
		}
	}
	return &HighRiskSet{codes: codes, version: HighRiskListVersion + "-custom"}
}

func (s *HighRiskSet) Contains(code string) bool {
	_, ok := s.codes[strings.ToUpper(strings.TrimSpace(code))]
	return ok
}

func (s *HighRiskSet) Version() string { return s.version }

func (s *HighRiskSet) Size() int { return len(s.codes) }
