package threat

// Technique is a MITRE ATT&CK technique reference.
type Technique struct {
	ID         string `json:"id"`   // e.g., "T1110"
	Name       string `json:"name"` // e.g., "Brute Force"
	TacticID   string `json:"tactic_id"`
	TacticName string `json:"tactic_name"`
}

// URL returns the ATT&CK page for the technique.
func (t Technique) URL() string {
	return "https://attack.mitre.org/techniques/" + t.ID + "/"
}

var attackTechniques = map[Type]Technique{
	TypeBruteForce:          {ID: "T1110", Name: "Brute Force", TacticID: "TA0006", TacticName: "Credential Access"},
	TypeSQLInjection:        {ID: "T1190", Name: "Exploit Public-Facing Application", TacticID: "TA0001", TacticName: "Initial Access"},
	TypeXSS:                 {ID: "T1189", Name: "Drive-by Compromise", TacticID: "TA0001", TacticName: "Initial Access"},
	TypeCSRF:                {ID: "T1185", Name: "Browser Session Hijacking", TacticID: "TA0009", TacticName: "Collection"},
	TypeDataExfiltration:    {ID: "T1567", Name: "Exfiltration Over Web Service", TacticID: "TA0010", TacticName: "Exfiltration"},
	TypeInsiderThreat:       {ID: "T1530", Name: "Data from Cloud Storage", TacticID: "TA0009", TacticName: "Collection"},
	TypeAnomalousBehavior:   {ID: "T1078", Name: "Valid Accounts", TacticID: "TA0005", TacticName: "Defense Evasion"},
	TypeUnauthorizedAccess:  {ID: "T1078", Name: "Valid Accounts", TacticID: "TA0001", TacticName: "Initial Access"},
	TypePrivilegeEscalation: {ID: "T1068", Name: "Exploitation for Privilege Escalation", TacticID: "TA0004", TacticName: "Privilege Escalation"},
	TypeMalware:             {ID: "T1204", Name: "User Execution", TacticID: "TA0002", TacticName: "Execution"},
	TypeDDoS:                {ID: "T1499", Name: "Endpoint Denial of Service", TacticID: "TA0040", TacticName: "Impact"},
	TypeSocialEngineering:   {ID: "T1566", Name: "Phishing", TacticID: "TA0001", TacticName: "Initial Access"},
}

// Technique returns the ATT&CK technique a threat type corresponds to.
func (t Type) Technique() (Technique, bool) {
	tech, ok := attackTechniques[t]
	return tech, ok
}

// attackFields renders the mapping as alert fields.
func attackFields(t Type) map[string]string {
	tech, ok := t.Technique()
	if !ok {
		return nil
	}
	return map[string]string{
		"mitre_technique_id":   tech.ID,
		"mitre_technique_name": tech.Name,
		"mitre_tactic_id":      tech.TacticID,
		"mitre_tactic_name":    tech.TacticName,
		"mitre_url":            tech.URL(),
	}
}
