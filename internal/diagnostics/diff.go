package diagnostics

var diffSeverity = map[string]int{
	StatusOK:      0,
	StatusUnknown: 1,
	StatusWarning: 2,
	StatusDrift:   3,
}

var healthSeverity = map[string]int{
	StatusOK:       0,
	StatusWarn:     1,
	StatusCritical: 2,
}

// DiffSection compares a server section with the client's section for the same key.
func DiffSection(server Section, client *Section) string {
	switch {
	case client == nil:
		return StatusUnknown
	case server.Count != client.Count:
		return StatusDrift
	case server.MaxUpdatedAt != client.MaxUpdatedAt:
		return StatusWarning
	case server.Checksum != client.Checksum:
		return StatusDrift
	default:
		return StatusOK
	}
}

// WorseDiff returns the more severe of two diff statuses.
func WorseDiff(current, candidate string) string {
	if diffSeverity[candidate] > diffSeverity[current] {
		return candidate
	}
	return current
}

func worseHealth(current, candidate string) string {
	if healthSeverity[candidate] > healthSeverity[current] {
		return candidate
	}
	return current
}

// DiffSnapshots compares every section of the server snapshot with a client snapshot.
func DiffSnapshots(server, client Snapshot) ClientDiff {
	diff := ClientDiff{
		ClientID:    client.ClientID,
		Snapshot:    client,
		Status:      StatusOK,
		Tables:      diffSections(server.Tables, client.Tables),
		EntityTypes: diffSections(server.EntityTypes, client.EntityTypes),
	}
	for _, section := range diff.Tables {
		diff.Status = WorseDiff(diff.Status, section.Status)
	}
	for _, section := range diff.EntityTypes {
		diff.Status = WorseDiff(diff.Status, section.Status)
	}
	return diff
}

func diffSections(server, client map[string]Section) map[string]SectionDiff {
	diffs := make(map[string]SectionDiff, len(server))
	for name, serverSection := range server {
		var clientSection *Section
		if reported, ok := client[name]; ok {
			copied := reported
			clientSection = &copied
		}
		diffs[name] = SectionDiff{
			Status: DiffSection(serverSection, clientSection),
			Server: serverSection,
			Client: clientSection,
		}
	}
	return diffs
}

// OverallStatus returns the worst client status, or unknown when no client has reported.
func OverallStatus(clients []ClientDiff) string {
	if len(clients) == 0 {
		return StatusUnknown
	}
	status := StatusOK
	for _, client := range clients {
		status = WorseDiff(status, client.Status)
	}
	return status
}
