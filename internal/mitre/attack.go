// Package mitre maps detected threat types onto MITRE ATT&CK techniques so
// campaigns and threats carry framework references analysts can pivot on.
// The mapping is a static table over this pipeline's closed set of threat
// labels; no remote ATT&CK data is fetched.
package mitre

import (
	"sort"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/detect/behavior"
	"github.com/lvonguyen/threatlens/internal/detect/signature"
)

// Technique is one ATT&CK technique reference.
type Technique struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Tactic string `json:"tactic"`
	URL    string `json:"url"`
}

// technique builds the reference with its attack.mitre.org URL. Sub-technique
// IDs use the T1234.001 form; the site paths use a slash.
func technique(id, name, tactic string) Technique {
	path := id
	if len(id) > 5 && id[5] == '.' {
		path = id[:5] + "/" + id[6:]
	}
	return Technique{
		ID:     id,
		Name:   name,
		Tactic: tactic,
		URL:    "https://attack.mitre.org/techniques/" + path + "/",
	}
}

// threatTechniques maps every threat label the detection layers emit to its
// ATT&CK techniques.
var threatTechniques = map[string][]Technique{
	signature.TypeCommandInjection: {
		technique("T1059", "Command and Scripting Interpreter", "execution"),
		technique("T1190", "Exploit Public-Facing Application", "initial-access"),
	},
	signature.TypeSSTI: {
		technique("T1190", "Exploit Public-Facing Application", "initial-access"),
		technique("T1059", "Command and Scripting Interpreter", "execution"),
	},
	signature.TypeSQLInjection: {
		technique("T1190", "Exploit Public-Facing Application", "initial-access"),
	},
	signature.TypeXSS: {
		technique("T1059.007", "Command and Scripting Interpreter: JavaScript", "execution"),
		technique("T1189", "Drive-by Compromise", "initial-access"),
	},
	signature.TypePathTraversal: {
		technique("T1083", "File and Directory Discovery", "discovery"),
		technique("T1190", "Exploit Public-Facing Application", "initial-access"),
	},
	signature.TypeSensitiveFile: {
		technique("T1005", "Data from Local System", "collection"),
		technique("T1552.001", "Unsecured Credentials: Credentials In Files", "credential-access"),
	},
	signature.TypeSSRF: {
		technique("T1190", "Exploit Public-Facing Application", "initial-access"),
		technique("T1552.005", "Unsecured Credentials: Cloud Instance Metadata API", "credential-access"),
	},
	signature.TypeIDOR: {
		technique("T1190", "Exploit Public-Facing Application", "initial-access"),
	},
	signature.TypePrivilegeEscalation: {
		technique("T1068", "Exploitation for Privilege Escalation", "privilege-escalation"),
	},
	signature.TypeDataExfiltration: {
		technique("T1048", "Exfiltration Over Alternative Protocol", "exfiltration"),
	},
	signature.TypeOpenRedirect: {
		technique("T1566.002", "Phishing: Spearphishing Link", "initial-access"),
	},
	signature.TypeReconnaissance: {
		technique("T1595", "Active Scanning", "reconnaissance"),
	},
	behavior.TypeBruteForce: {
		technique("T1110", "Brute Force", "credential-access"),
	},
	behavior.TypeRateAbuse: {
		technique("T1499", "Endpoint Denial of Service", "impact"),
	},
	behavior.TypeEnumeration: {
		technique("T1595.003", "Active Scanning: Wordlist Scanning", "reconnaissance"),
	},
	behavior.TypeBurstActivity: {
		technique("T1595", "Active Scanning", "reconnaissance"),
	},
}

// Mapper resolves threat labels to ATT&CK techniques.
type Mapper struct {
	logger *zap.Logger
}

// NewMapper creates a technique mapper.
func NewMapper(logger *zap.Logger) *Mapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mapper{logger: logger}
}

// MapThreatType returns the techniques for one threat label, or nil when the
// label has no mapping (including "Other").
func (m *Mapper) MapThreatType(threatType string) []Technique {
	techniques, ok := threatTechniques[threatType]
	if !ok {
		m.logger.Debug("no technique mapping for threat type",
			zap.String("threat_type", threatType),
		)
		return nil
	}
	out := make([]Technique, len(techniques))
	copy(out, techniques)
	return out
}

// MapThreatTypes resolves a set of threat labels into a deduplicated
// technique list sorted by technique ID.
func (m *Mapper) MapThreatTypes(threatTypes []string) []Technique {
	seen := make(map[string]bool)
	var out []Technique
	for _, tt := range threatTypes {
		for _, tech := range m.MapThreatType(tt) {
			if seen[tech.ID] {
				continue
			}
			seen[tech.ID] = true
			out = append(out, tech)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TechniqueIDs is MapThreatTypes reduced to the ID list, for compact
// campaign payloads.
func (m *Mapper) TechniqueIDs(threatTypes []string) []string {
	techniques := m.MapThreatTypes(threatTypes)
	out := make([]string, len(techniques))
	for i, tech := range techniques {
		out[i] = tech.ID
	}
	return out
}
