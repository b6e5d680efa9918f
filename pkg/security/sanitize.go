package security

import (
	"fmt"
	"regexp"
	"strings"
)

// SanitizeDetails returns a copy of a diagnostic payload that is safe to
// send to clients. String values have secrets, IP addresses, file paths and
// stack traces removed; nested maps are sanitized recursively.
func SanitizeDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		switch val := v.(type) {
		case string:
			out[k] = SanitizeMessage(val)
		case error:
			out[k] = SanitizeMessage(val.Error())
		case map[string]any:
			out[k] = SanitizeDetails(val)
		case fmt.Stringer:
			out[k] = SanitizeMessage(val.String())
		default:
			out[k] = v
		}
	}
	return out
}

// SanitizeMessage removes sensitive information from an error message.
func SanitizeMessage(msg string) string {
	msg = removeSecretPatterns(msg)
	msg = removeStackTraces(msg)
	msg = removeFilePaths(msg)
	msg = removeIPAddresses(msg)
	return msg
}

var pathPrefixes = []string{"/Users/", "/home/", "/var/", "/etc/", "/opt/", "/tmp/", "/root/"}

// removeFilePaths removes file system paths from error messages
func removeFilePaths(msg string) string {
	for _, p := range pathPrefixes {
		msg = strings.ReplaceAll(msg, p, "[PATH]/")
	}
	for _, drive := range []string{"C:", "D:", "E:", "F:"} {
		msg = strings.ReplaceAll(msg, drive+"\\", "[PATH]\\")
	}
	return msg
}

var ipv4Pattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}(?::\d+)?\b`)

// removeIPAddresses removes IPv4 addresses, with optional port, from messages
func removeIPAddresses(msg string) string {
	return ipv4Pattern.ReplaceAllString(msg, "[IP_ADDRESS]")
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9_\-]{8,}`),
	regexp.MustCompile(`(?i)(api_?key|token|secret|password)=\S+`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-\.=]+`),
	regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]*`),
	regexp.MustCompile(`\b(?:AKIA|ASIA)[A-Z0-9]{16}\b`),
}

// removeSecretPatterns removes patterns that look like API keys, JWTs or AWS access keys
func removeSecretPatterns(msg string) string {
	for _, p := range secretPatterns {
		msg = p.ReplaceAllString(msg, "[REDACTED]")
	}
	return msg
}

var (
	goroutinePattern = regexp.MustCompile(`goroutine \d+ \[[^\]]+\]:[\s\S]*?(?:\n\n|\z)`)
	fileLinePattern  = regexp.MustCompile(`\S+\.go:\d+`)
	addrPattern      = regexp.MustCompile(`0x[0-9a-fA-F]+`)
)

// removeStackTraces removes Go stack traces from error messages
func removeStackTraces(msg string) string {
	msg = goroutinePattern.ReplaceAllString(msg, "[STACK_TRACE_REMOVED]")
	msg = fileLinePattern.ReplaceAllString(msg, "[FILE:LINE]")
	msg = addrPattern.ReplaceAllString(msg, "[ADDR]")
	return msg
}

// MaskSecret masks a secret for logging purposes
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}

	if len(secret) <= 8 {
		return "****"
	}

	return secret[:4] + "****" + secret[len(secret)-4:]
}
