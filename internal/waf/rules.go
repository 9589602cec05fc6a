package waf

var defaultAttackTargets = []string{"path", "params", "query", "body", "user_agent"}

// shellCommands are binaries whose bare names are also ordinary words
// ("id", "cat", "ping"), so they only count in a shell position.
const shellCommands = `bash|sh|zsh|python\d?|perl|php|ruby|rm|cat|ls|id|whoami|uname|chmod|ping|nslookup|reboot|shutdown|powershell|cmd(?:\.exe)?`

// shellTail is what follows a command in a real invocation: end of input,
// another operator, a flag or a path argument.
const shellTail = `(?:\s*$|\s*[;|&]|\s+-|\s+/)`

// shellOp is a command separator or pipe.
const shellOp = `(?:;|\|\|?|&&|\n)`

// DefaultRules is the built-in signature set. Custom rules are appended.
func DefaultRules() []RuleConfig {
	return []RuleConfig{
		{
			ID:          "cg-xss-script",
			Description: "Script tags, javascript: URIs and inline event handlers",
			Category:    CategoryXSS,
			Pattern:     `(?i)(<\s*/?\s*script\b|javascript\s*:|vbscript\s*:|\bon(?:error|load|click|mouseover|mouseenter|focus|blur|submit|toggle)\s*=|document\.(?:cookie|location|write|domain)|<\s*iframe\b|<\s*(?:img|svg|body|video|audio|details|object|embed)\b[^>]*\bon\w+\s*=|\beval\s*\(|expression\s*\()`,
			Targets:     defaultAttackTargets,
		},
		{
			ID:          "cg-sqli-union",
			Description: "UNION based extraction and schema probing",
			Category:    CategorySQLi,
			Pattern:     `(?i)(\bunion\b(?:\s+(?:all|distinct))?\s+select\b|\binformation_schema\b|\bsys\.(?:tables|objects|columns)\b|\bpg_catalog\b)`,
			Targets:     defaultAttackTargets,
			Transforms:  []string{"url_decode", "html_decode", "remove_nulls", "sql_comments", "compress_whitespace"},
		},
		{
			ID:          "cg-sqli-tautology",
			Description: "Boolean tautologies, comment truncation and stacked queries",
			Category:    CategorySQLi,
			Pattern:     `(?i)(['"]\s*(?:or|and)\s+['"]?\w+['"]?\s*(?:=|like)\s*['"]?\w+|\b(?:or|and)\s+\d+\s*=\s*\d+\b|['"]\s*(?:--(?:\s|$)|#\s*$|/\*)|;\s*(?:drop|delete|insert|update|truncate|alter|create|exec|shutdown)\b\s+\w+)`,
			Targets:     defaultAttackTargets,
		},
		{
			ID:          "cg-sqli-time",
			Description: "Time based blind injection",
			Category:    CategorySQLi,
			Pattern:     `(?i)(\b(?:sleep|benchmark|pg_sleep)\s*\(|\bwaitfor\s+delay\b|\bdbms_pipe\.receive_message\b)`,
			Targets:     defaultAttackTargets,
		},
		{
			ID:          "cg-cmd-injection",
			Description: "Command substitution and shell operators chaining into binaries",
			Category:    CategoryCommandInjection,
			Pattern: `(?i)(` +
				`\$\(\s*(?:` + shellCommands + `|wget|curl|nc|echo|sleep)\b[^)]*\)` +
				`|\x60\s*(?:` + shellCommands + `|wget|curl|nc|echo|sleep)\b[^\x60]*\x60` +
				`|` + shellOp + `\s*(?:wget|curl|nc|ncat|netcat)\b` +
				`|` + shellOp + `\s*(?:` + shellCommands + `)` + shellTail +
				`|\b(?:bash|sh|cmd|powershell)\b.{0,12}(?:-c|/c)\b` +
				`|/bin/(?:ba)?sh\b)`,
			Targets: defaultAttackTargets,
		},
		{
			ID:          "cg-path-traversal",
			Description: "Directory traversal and local file inclusion",
			Category:    CategoryPathTraversal,
			Pattern:     `(?i)(\.\./|\.\.\\|%2e%2e(?:%2f|%5c|/|\\)|\.\.%2f|\.\.%5c|%252e%252e|/etc/(?:passwd|shadow|hosts)\b|/proc/self/|c:\\windows\\|/windows/win\.ini|\bboot\.ini\b)`,
			Targets:     defaultAttackTargets,
		},
		{
			ID:          "cg-scanner-ua",
			Description: "Known vulnerability scanners and attack tooling",
			Category:    CategoryScanner,
			Pattern:     `(?i)(sqlmap|nikto|nmap|masscan|acunetix|nessus|openvas|dirbuster|gobuster|\bdirb\b|wpscan|zgrab|nuclei|havij|w3af|fimap|arachni|burpcollaborator|jaeles|commix|whatweb|skipfish|wfuzz|ffuf|hydra)`,
			Targets:     []string{"user_agent"},
		},
	}
}
