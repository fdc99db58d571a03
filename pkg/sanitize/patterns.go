package sanitize

import (
	"regexp"
	"strings"
)

// shellMetachars are rejected in string inputs unless the configuration
// explicitly permits them.
const shellMetachars = ";&|`$()<>\n\r\\\"'*?[]{}~^"

var (
	jobIDRe              = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)
	strictAlphanumericRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	envNameRe            = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)
)

// sqlInjectionRes match well-known SQL injection shapes. Inputs here are
// never interpolated into SQL, but these signatures still indicate a hostile
// caller and are rejected outright.
var sqlInjectionRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`),
	regexp.MustCompile(`(?i)\b(select|insert|update|delete|drop|alter)\s+(from|into|table|database)\b`),
	regexp.MustCompile(`(?i)'\s*or\s+'?1'?\s*=\s*'?1`),
	regexp.MustCompile(`(?i);\s*(drop|delete|truncate)\b`),
	regexp.MustCompile(`(?i)\bexec(ute)?\s*\(`),
}

// codeInjectionRes match attempts to smuggle interpreter code through
// string arguments.
var codeInjectionRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(eval|exec|compile)\s*\(`),
	regexp.MustCompile(`(?i)\b__import__\s*\(`),
	regexp.MustCompile(`(?i)\bimport\s+(os|sys|subprocess|shutil)\b`),
	regexp.MustCompile(`(?i)\bos\.(system|popen|exec\w*)\s*\(`),
	regexp.MustCompile(`(?i)\bsubprocess\.(run|call|popen)\b`),
	regexp.MustCompile(`(?i)<script[\s>]`),
	regexp.MustCompile(`(?i)\bjavascript:`),
}

// matchInjection returns the name of the first injection family the value
// matches, or "" when clean.
func matchInjection(value string) string {
	for _, re := range sqlInjectionRes {
		if re.MatchString(value) {
			return "SQL injection"
		}
	}
	for _, re := range codeInjectionRes {
		if re.MatchString(value) {
			return "code injection"
		}
	}
	return ""
}

// windowsReservedNames are device names that must never appear as a path
// component, with or without an extension.
var windowsReservedNames = map[string]struct{}{
	"con": {}, "prn": {}, "aux": {}, "nul": {},
	"com1": {}, "com2": {}, "com3": {}, "com4": {}, "com5": {},
	"com6": {}, "com7": {}, "com8": {}, "com9": {},
	"lpt1": {}, "lpt2": {}, "lpt3": {}, "lpt4": {}, "lpt5": {},
	"lpt6": {}, "lpt7": {}, "lpt8": {}, "lpt9": {},
}

func isDangerousComponent(part string) bool {
	switch part {
	case "..", ".", "~":
		return true
	}
	name := strings.ToLower(part)
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	if _, reserved := windowsReservedNames[name]; reserved {
		return true
	}
	return strings.ContainsAny(part, shellMetachars)
}
