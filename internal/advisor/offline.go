package advisor

import (
	"strings"
)

var (
	webTools  = []string{"http", "curl", "wget", "gobuster", "dirb", "nikto", "ffuf"}
	smbTools  = []string{"smb", "rpcclient", "smbclient", "impacket", "crackmapexec"}
	authTools = []string{"ssh", "hydra", "medusa", "patator"}
)

// OfflineAdvice returns keyword based hints for the last command.
func OfflineAdvice(lastCommand string, profiles []string) string {
	profileList := "general"
	if len(profiles) > 0 {
		profileList = strings.Join(profiles, ", ")
	}

	lines := []string{
		"Advisor (offline mode), profile " + profileList,
		"Last command: `" + lastCommand + "`",
		"",
	}

	lc := strings.ToLower(lastCommand)
	fields := strings.Fields(lastCommand)

	if strings.Contains(lc, "nmap") {
		aggressive := hasFlag(fields, "-A")
		lines = append(lines, "Nmap scan detected:",
			"  - Save the results as XML (-oX) to import them into the map")
		if !aggressive && !hasFlag(fields, "-sV") {
			lines = append(lines, "  - Add `-sV` for service version detection")
		}
		if !aggressive && !hasFlag(fields, "-sC") {
			lines = append(lines, "  - Add `-sC` for the default NSE scripts")
		}
		if !strings.Contains(lc, "--script vuln") && !strings.Contains(lc, "--script=vuln") {
			lines = append(lines, "  - Try `--script vuln` for a vulnerability scan")
		}
	}

	if containsAny(lc, webTools) {
		lines = append(lines, "Web enumeration phase:",
			"  - Check the security headers (X-Frame-Options, CSP, etc.)",
			"  - Probe common paths (/admin, /api, /backup, etc.)")
	}

	if containsAny(lc, smbTools) {
		lines = append(lines, "SMB/AD services:",
			"  - Look for shares readable anonymously",
			"  - Test null sessions and anonymous bind")
	}

	if containsAny(lc, authTools) {
		lines = append(lines, "Authentication:",
			"  - Watch out for account lockout (OPSEC)",
			"  - Try default credentials first")
	}

	lines = append(lines, "", "Configure an advisor backend for a full AI analysis.")
	return strings.Join(lines, "\n")
}

// hasFlag reports whether a short option is present, alone or combined with
// a value such as -sCV.
func hasFlag(fields []string, flag string) bool {
	for _, f := range fields {
		if f == flag {
			return true
		}
		// -sV and -sC are often fused as -sCV or -sVC.
		if strings.HasPrefix(flag, "-s") && strings.HasPrefix(f, "-s") && !strings.HasPrefix(f, "--") &&
			strings.ContainsRune(f[2:], rune(flag[2])) {
			return true
		}
	}
	return false
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
